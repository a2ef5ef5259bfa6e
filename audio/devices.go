package audio

import (
	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
)

// ListInputDevices enumerates the available input devices as immutable
// snapshots. Enumeration failure is logged and yields an empty list.
func ListInputDevices() []Device {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ListInputDevices",
			"error":    err.Error(),
		}).Error("Failed to initialize audio context")
		return nil
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ListInputDevices",
			"error":    err.Error(),
		}).Error("Failed to enumerate input devices")
		return nil
	}

	devices := make([]Device, 0, len(infos))
	for i := range infos {
		devices = append(devices, Device{
			Name:      infos[i].Name(),
			IsDefault: infos[i].IsDefault != 0,
		})
	}
	return devices
}

// findCaptureDevice resolves a device name to its backend id.
func findCaptureDevice(ctx *malgo.AllocatedContext, name string) (malgo.DeviceID, bool) {
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "findCaptureDevice",
			"error":    err.Error(),
		}).Warn("Failed to enumerate input devices")
		return malgo.DeviceID{}, false
	}
	for i := range infos {
		if infos[i].Name() == name {
			return infos[i].ID, true
		}
	}
	return malgo.DeviceID{}, false
}
