package modbus

const (
	meiReadDeviceID = 0x0E

	readDeviceIDBasic      = 0x01
	readDeviceIDRegular    = 0x02
	readDeviceIDExtended   = 0x03
	readDeviceIDIndividual = 0x04

	// regular identification, stream and individual access
	conformityLevel = 0x82
)

// Object ids of the device identification objects.
const (
	ObjectVendorName byte = iota
	ObjectProductCode
	ObjectMajorMinorRevision
	ObjectVendorURL
	ObjectProductName
	ObjectModelName
	ObjectUserApplicationName
)

// Identity holds the values answered to Read Device Identification.
type Identity struct {
	VendorName          string `yaml:"vendor_name" json:"vendor_name"`
	ProductCode         string `yaml:"product_code" json:"product_code"`
	MajorMinorRevision  string `yaml:"major_minor_revision" json:"major_minor_revision"`
	VendorURL           string `yaml:"vendor_url" json:"vendor_url"`
	ProductName         string `yaml:"product_name" json:"product_name"`
	ModelName           string `yaml:"model_name" json:"model_name"`
	UserApplicationName string `yaml:"user_application_name" json:"user_application_name"`
}

// Object returns the value for an object id. ok is false for unknown ids and
// for optional objects left empty.
func (id Identity) Object(objectID byte) (string, bool) {
	switch objectID {
	case ObjectVendorName:
		return id.VendorName, true
	case ObjectProductCode:
		return id.ProductCode, true
	case ObjectMajorMinorRevision:
		return id.MajorMinorRevision, true
	case ObjectVendorURL:
		return id.VendorURL, id.VendorURL != ""
	case ObjectProductName:
		return id.ProductName, id.ProductName != ""
	case ObjectModelName:
		return id.ModelName, id.ModelName != ""
	case ObjectUserApplicationName:
		return id.UserApplicationName, id.UserApplicationName != ""
	default:
		return "", false
	}
}

// readDeviceIdentification answers MEI type 0x0E. Every object fits in one
// response, so "more follows" is always 0.
func (s *Server) readDeviceIdentification(pdu []byte) ([]byte, error) {
	if len(pdu) < 4 || pdu[1] != meiReadDeviceID {
		return nil, errInvalidPDULen
	}
	code, objectID := pdu[2], pdu[3]

	var ids []byte
	switch code {
	case readDeviceIDBasic, readDeviceIDRegular, readDeviceIDExtended:
		last := byte(ObjectMajorMinorRevision)
		if code != readDeviceIDBasic {
			last = ObjectUserApplicationName
		}
		if objectID > last {
			objectID = ObjectVendorName
		}
		for id := objectID; id <= last; id++ {
			if _, ok := s.identity.Object(id); ok {
				ids = append(ids, id)
			}
		}
	case readDeviceIDIndividual:
		if _, ok := s.identity.Object(objectID); !ok {
			return nil, errUnknownObject
		}
		ids = []byte{objectID}
	default:
		return nil, errInvalidQty
	}

	resp := []byte{functionEncapsulated, meiReadDeviceID, code, conformityLevel, 0x00, 0x00, byte(len(ids))}
	for _, id := range ids {
		v, _ := s.identity.Object(id)
		if len(v) > 0xFF {
			v = v[:0xFF]
		}
		resp = append(resp, id, byte(len(v)))
		resp = append(resp, v...)
	}
	return resp, nil
}
