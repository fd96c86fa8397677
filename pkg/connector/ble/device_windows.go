package ble

import (
	"errors"

	"github.com/go-ble/ble"
)

func newDevice() (ble.Device, error) {
	return nil, errors.New("ble: no supported adapter on windows")
}
