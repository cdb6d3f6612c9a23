// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

// MEI types carried by FuncEncapsulatedInterface.
const (
	MEIReadDeviceIdentification byte = 0x0E
)

// Read device ID codes.
const (
	ReadDeviceIDBasic    byte = 0x01
	ReadDeviceIDRegular  byte = 0x02
	ReadDeviceIDExtended byte = 0x03
	ReadDeviceIDSpecific byte = 0x04
)

// Device identification object ids.
const (
	ObjectVendorName          byte = 0x00
	ObjectProductCode         byte = 0x01
	ObjectMajorMinorRevision  byte = 0x02
	ObjectVendorURL           byte = 0x03
	ObjectProductName         byte = 0x04
	ObjectModelName           byte = 0x05
	ObjectUserApplicationName byte = 0x06
)

// conformityRegular announces regular identification with stream and
// individual access.
const conformityRegular byte = 0x82

// Identity holds the static strings reported to device identification
// requests. It never touches the register store.
type Identity struct {
	VendorName          string
	ProductCode         string
	VendorURL           string
	ProductName         string
	ModelName           string
	MajorMinorRevision  string
	UserApplicationName string
}

// Object returns the value of a device identification object.
func (id *Identity) Object(objectID byte) (string, bool) {
	switch objectID {
	case ObjectVendorName:
		return id.VendorName, true
	case ObjectProductCode:
		return id.ProductCode, true
	case ObjectMajorMinorRevision:
		return id.MajorMinorRevision, true
	case ObjectVendorURL:
		return id.VendorURL, true
	case ObjectProductName:
		return id.ProductName, true
	case ObjectModelName:
		return id.ModelName, true
	case ObjectUserApplicationName:
		return id.UserApplicationName, true
	default:
		return "", false
	}
}

// ServerID returns the payload for Report Server ID.
func (id *Identity) ServerID() []byte {
	s := id.ProductCode
	if id.MajorMinorRevision != "" {
		s += " " + id.MajorMinorRevision
	}
	return []byte(s)
}

// readDeviceIdentification answers an FC43/14 request PDU.
func (id *Identity) readDeviceIdentification(pdu []byte) []byte {
	if len(pdu) < 4 {
		return buildException(FuncEncapsulatedInterface, ExceptionIllegalDataValue)
	}
	if pdu[1] != MEIReadDeviceIdentification {
		return buildException(FuncEncapsulatedInterface, ExceptionIllegalFunction)
	}
	code, objectID := pdu[2], pdu[3]

	var last byte
	switch code {
	case ReadDeviceIDBasic:
		last = ObjectMajorMinorRevision
	case ReadDeviceIDRegular, ReadDeviceIDExtended:
		last = ObjectUserApplicationName
	case ReadDeviceIDSpecific:
		value, ok := id.Object(objectID)
		if !ok {
			return buildException(FuncEncapsulatedInterface, ExceptionIllegalDataAddress)
		}
		resp := []byte{byte(FuncEncapsulatedInterface), MEIReadDeviceIdentification, code, conformityRegular, 0x00, 0x00, 1}
		return appendObject(resp, objectID, value)
	default:
		return buildException(FuncEncapsulatedInterface, ExceptionIllegalDataValue)
	}

	// An unknown starting object restarts the stream at the first object.
	if objectID > last {
		objectID = ObjectVendorName
	}

	resp := []byte{byte(FuncEncapsulatedInterface), MEIReadDeviceIdentification, code, conformityRegular, 0x00, 0x00, 0}
	for obj := objectID; obj <= last; obj++ {
		value, _ := id.Object(obj)
		if resp[6] > 0 && len(resp)+2+len(value) > MaxPDUSize {
			resp[4] = 0xFF // more follows
			resp[5] = obj
			break
		}
		resp = appendObject(resp, obj, value)
		resp[6]++
	}
	return resp
}

func appendObject(resp []byte, objectID byte, value string) []byte {
	// header (7) + object id and length (2)
	if limit := MaxPDUSize - 9; len(value) > limit {
		value = value[:limit]
	}
	resp = append(resp, objectID, byte(len(value)))
	return append(resp, value...)
}

// reportServerID answers an FC17 request PDU.
func (id *Identity) reportServerID() []byte {
	data := id.ServerID()
	if len(data) > 250 {
		data = data[:250]
	}
	resp := make([]byte, 0, 3+len(data))
	resp = append(resp, byte(FuncReportServerID), byte(len(data)+1))
	resp = append(resp, data...)
	return append(resp, 0xFF) // run indicator: on
}
