package usbgpio

// Channels is the number of IO pins on the module.
const Channels = 8

// NoADC marks a pin without analog capability.
const NoADC = -1

// adcMap is the fixed wiring of IO pins to ADC inputs:
//
//	IO0-IO3 -> ADC0-ADC3
//	IO4,IO5 -> none
//	IO6,IO7 -> ADC4,ADC5
var adcMap = [Channels]int{0, 1, 2, 3, NoADC, NoADC, 4, 5}

// ValidChannel checks if ch is a digital channel.
func ValidChannel(ch int) bool {
	return ch >= 0 && ch < Channels
}

// ADCChannel returns the ADC input wired to IO pin ch, or NoADC.
func ADCChannel(ch int) int {
	if !ValidChannel(ch) {
		return NoADC
	}
	return adcMap[ch]
}

// HasADC tells if IO pin ch can be read as analog.
func HasADC(ch int) bool {
	return ADCChannel(ch) != NoADC
}

// AnalogChannels lists IO pins with analog capability.
func AnalogChannels() []int {
	chs := make([]int, 0, Channels)
	for ch := 0; ch < Channels; ch++ {
		if HasADC(ch) {
			chs = append(chs, ch)
		}
	}
	return chs
}
