package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/golang/protobuf/proto"

	"github.com/robotalks/usbgpio/pkg/bridge"
	"github.com/robotalks/usbgpio/pkg/mqtt"
	"github.com/robotalks/usbgpio/pkg/msgs"
)

var (
	mqttURL = "mqtt://localhost:1883/usbgpio/"
)

func init() {
	if val := os.Getenv("USBGPIO_MQTT_URL"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
}

func decode(topic string, payload []byte) (proto.Message, error) {
	switch {
	case strings.HasSuffix(topic, bridge.TopicState):
		return msgs.DecodeState(payload)
	case strings.HasSuffix(topic, bridge.TopicCmd):
		return msgs.DecodeCommand(payload)
	case strings.HasSuffix(topic, bridge.TopicReply):
		return msgs.DecodeReply(payload)
	}
	return nil, nil
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	q, err := mqtt.NewQueueFromURL(mqttURL)
	if err != nil {
		log.Fatalln(err)
	}

	q.Sub("#", func(topic string, payload []byte) {
		if strings.HasSuffix(topic, bridge.TopicMeta) {
			log.Printf("%s: %s", topic, string(payload))
			return
		}
		msg, err := decode(topic, payload)
		switch {
		case err != nil:
			log.Printf("%s: bad message: %v", topic, err)
		case msg == nil:
			log.Printf("%s: %d bytes", topic, len(payload))
		default:
			log.Printf("%s: %s", topic, msg.String())
		}
	})
	if token := q.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln(token.Error())
	}
	defer q.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh
}
