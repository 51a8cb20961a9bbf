package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/blegate/internal/radio"
)

// AD structure types (Core Specification Supplement, Part A).
const (
	adComplete16     = 0x03
	adComplete32     = 0x05
	adComplete128    = 0x07
	adCompleteName   = 0x09
	adTxPower        = 0x0a
	adServiceData16  = 0x16
	adServiceData32  = 0x20
	adServiceData128 = 0x21
	adManufacturer   = 0xff
)

// NewScanRecord converts a go-ble advertisement into a scan record. go-ble
// only exposes parsed fields, so the payload is re-encoded as AD structures.
func NewScanRecord(adv ble.Advertisement) radio.ScanRecord {
	rec := radio.ScanRecord{
		RSSI:    adv.RSSI(),
		Name:    adv.LocalName(),
		Payload: EncodeAdvertisement(adv),
	}
	if addr := adv.Addr(); addr != nil {
		rec.Address = addr.String()
	}
	return rec
}

// EncodeAdvertisement rebuilds the advertising payload from its parsed fields.
func EncodeAdvertisement(adv ble.Advertisement) []byte {
	var out []byte
	put := func(typ byte, data []byte) {
		if len(data) > 254 {
			data = data[:254]
		}
		out = append(out, byte(len(data)+1), typ)
		out = append(out, data...)
	}

	if name := adv.LocalName(); name != "" {
		put(adCompleteName, []byte(name))
	}
	if tx := adv.TxPowerLevel(); tx != 127 && tx != 0 {
		put(adTxPower, []byte{byte(int8(tx))})
	}

	var u16, u32, u128 []byte
	for _, u := range adv.Services() {
		switch len(u) {
		case 2:
			u16 = append(u16, u...)
		case 4:
			u32 = append(u32, u...)
		case 16:
			u128 = append(u128, u...)
		}
	}
	if len(u16) > 0 {
		put(adComplete16, u16)
	}
	if len(u32) > 0 {
		put(adComplete32, u32)
	}
	if len(u128) > 0 {
		put(adComplete128, u128)
	}

	for _, sd := range adv.ServiceData() {
		var typ byte
		switch len(sd.UUID) {
		case 2:
			typ = adServiceData16
		case 4:
			typ = adServiceData32
		case 16:
			typ = adServiceData128
		default:
			continue
		}
		data := make([]byte, 0, len(sd.UUID)+len(sd.Data))
		data = append(data, sd.UUID...)
		data = append(data, sd.Data...)
		put(typ, data)
	}

	if md := adv.ManufacturerData(); len(md) > 0 {
		put(adManufacturer, md)
	}
	return out
}
