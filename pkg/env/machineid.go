package env

import (
	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"
)

const appID = "usbgpio"

// MachineName derives a stable short name for this host, used when a
// bridge is not given an explicit name. It falls back to "usbgpio" when
// the machine ID is unavailable.
func MachineName() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		glog.Warningf("machine id unavailable: %v", err)
		return appID
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return appID + "-" + id
}
