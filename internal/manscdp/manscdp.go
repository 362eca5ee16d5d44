// Package manscdp builds and parses the MANSCDP+xml control documents
// this agent exchanges with a platform over SIP MESSAGE bodies.
package manscdp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

const (
	deviceInfoResponseXML = `<?xml version="1.0" encoding="GB2312"?><Response>
<CmdType>DeviceInfo</CmdType>
<SN>%d</SN>
<DeviceID>%s</DeviceID>
<DeviceName>%s</DeviceName>
<Manufacturer>%s</Manufacturer>
<Model>%s</Model>
<Firmware>%s</Firmware>
<SerialNumber>%s</SerialNumber>
<Status>ON</Status>
</Response>
`
	catalogResponseXML = `<?xml version="1.0" encoding="GB2312"?><Response>
<CmdType>Catalog</CmdType>
<SN>%d</SN>
<DeviceID>%s</DeviceID>
<SumNum>1</SumNum>
<DeviceList Num="1">
<Item>
<DeviceID>%s</DeviceID>
<Name>%s</Name>
<Manufacturer>%s</Manufacturer>
<Model>%s</Model>
<Status>ON</Status>
<Longitude>%.6f</Longitude>
<Latitude>%.6f</Latitude>
</Item>
</DeviceList>
</Response>
`
	keepaliveNotifyXML = `<?xml version="1.0" encoding="GB2312"?><Notify>
<CmdType>Keepalive</CmdType>
<SN>%d</SN>
<DeviceID>%s</DeviceID>
<Status>OK</Status>
</Notify>
`
	alarmResponseXML = `<?xml version="1.0" encoding="GB2312"?><Response>
<CmdType>Alarm</CmdType>
<SN>%d</SN>
<DeviceID>%s</DeviceID>
</Response>
`
)

// toGB2312 encodes s the way GB28181 platforms expect a declared
// GB2312 body: GBK is a superset of GB2312 and covers the same
// character set for a device's own name/address fields.
func toGB2312(s string) []byte {
	reader := transform.NewReader(strings.NewReader(s), simplifiedchinese.GBK.NewEncoder())
	d, _ := io.ReadAll(reader)
	return d
}

// DeviceInfo carries the fields BuildDeviceInfoResponse advertises.
type DeviceInfo struct {
	ID           string
	Name         string
	Manufacturer string
	Model        string
	Firmware     string
	SerialNumber string
}

// BuildDeviceInfoResponse builds the GB2312-encoded response to a
// Query/DeviceInfo.
func BuildDeviceInfoResponse(sn int, info DeviceInfo) []byte {
	return toGB2312(fmt.Sprintf(deviceInfoResponseXML, sn, info.ID, info.Name, info.Manufacturer, info.Model, info.Firmware, info.SerialNumber))
}

// BuildCatalogResponse builds the GB2312-encoded response to a
// Query/Catalog, describing this device's single channel. The
// channel id is the first 16 characters of the device id with
// "0001" appended, per GB28181 convention.
func BuildCatalogResponse(sn int, info DeviceInfo, longitude, latitude float64) []byte {
	channelID := info.ID
	if len(channelID) > 16 {
		channelID = channelID[:16]
	}
	channelID += "0001"
	return toGB2312(fmt.Sprintf(catalogResponseXML, sn, info.ID, channelID, info.Name, info.Manufacturer, info.Model, longitude, latitude))
}

// BuildKeepaliveNotify builds the GB2312-encoded periodic Keepalive
// notification body.
func BuildKeepaliveNotify(sn int, deviceID string) []byte {
	return toGB2312(fmt.Sprintf(keepaliveNotifyXML, sn, deviceID))
}

// BuildAlarmResponse builds the GB2312-encoded response to a
// Notify/Alarm.
func BuildAlarmResponse(sn int, deviceID string) []byte {
	return toGB2312(fmt.Sprintf(alarmResponseXML, sn, deviceID))
}

// Message is the parsed shape of an incoming Query or Notify. Root
// distinguishes the two via XMLName.Local.
type Message struct {
	XMLName  xml.Name
	CmdType  string
	SN       int
	DeviceID string

	// Broadcast-specific fields.
	SourceID string
	TargetID string
}

// IsQuery reports whether the parsed document's root element was
// <Query>.
func (m Message) IsQuery() bool { return m.XMLName.Local == "Query" }

// IsNotify reports whether the parsed document's root element was
// <Notify>.
func (m Message) IsNotify() bool { return m.XMLName.Local == "Notify" }

// Parse decodes an incoming MANSCDP+xml document, trying the
// document's declared charset first (typically GB2312, aliased to
// GBK) and falling back to an explicit GBK decode if that fails, the
// same two-step strategy platforms in the wild require.
func Parse(body []byte) (Message, error) {
	var msg Message
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.CharsetReader = charset.NewReaderLabel
	if err := decoder.Decode(&msg); err == nil {
		return msg, nil
	}
	decoder = xml.NewDecoder(transform.NewReader(bytes.NewReader(body), simplifiedchinese.GBK.NewDecoder()))
	decoder.CharsetReader = charset.NewReaderLabel
	if err := decoder.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("manscdp: decode: %w", err)
	}
	return msg, nil
}
