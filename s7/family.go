package s7

import (
	"fmt"
	"strings"
)

// Family identifies a Siemens PLC family. It selects the COTP connection
// request template used during the handshake.
type Family int

const (
	FamilySNon200 Family = iota // Any non-200 CPU when the exact family is unknown
	FamilyS200
	FamilyS300
	FamilyS400
	FamilyS1200
	FamilyS1500
	FamilyS200Smart

	numFamilies
)

// isoProtocol is the ISO-on-TCP dialect spoken during connection setup.
type isoProtocol int

const (
	protoUnknown   isoProtocol = iota
	protoISOTCP                // TSAPs carry connection type and rack/slot
	protoISOTCP243             // CP243 fixed TSAPs, S7-200 only
)

var familyProtocols = [...]isoProtocol{
	FamilySNon200:   protoISOTCP,
	FamilyS200:      protoISOTCP243,
	FamilyS300:      protoISOTCP,
	FamilyS400:      protoISOTCP,
	FamilyS1200:     protoISOTCP,
	FamilyS1500:     protoISOTCP,
	FamilyS200Smart: protoISOTCP,
}

// Every Family must have a protocol entry; this fails to compile otherwise.
var _ = [1]struct{}{}[len(familyProtocols)-int(numFamilies)]

var familyNames = [...]string{
	FamilySNon200:   "SNon200",
	FamilyS200:      "S200",
	FamilyS300:      "S300",
	FamilyS400:      "S400",
	FamilyS1200:     "S1200",
	FamilyS1500:     "S1500",
	FamilyS200Smart: "S200Smart",
}

var _ = [1]struct{}{}[len(familyNames)-int(numFamilies)]

// String returns the family name.
func (f Family) String() string {
	if f >= 0 && f < numFamilies {
		return familyNames[f]
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// protocol returns the handshake dialect for f.
func (f Family) protocol() isoProtocol {
	if f < 0 || f >= numFamilies {
		return protoUnknown
	}
	return familyProtocols[f]
}

// ParseFamily parses a family name case-insensitively. An empty string
// selects FamilySNon200.
func ParseFamily(s string) (Family, error) {
	norm := strings.ToUpper(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	switch norm {
	case "", "SNON200", "NON200":
		return FamilySNon200, nil
	case "200SMART":
		return FamilyS200Smart, nil
	}
	norm = strings.TrimPrefix(norm, "S7")
	for f := Family(0); f < numFamilies; f++ {
		name := strings.ToUpper(familyNames[f])
		if norm == name || "S"+norm == name {
			return f, nil
		}
	}
	return FamilySNon200, configError("unknown PLC family %q", s)
}

// COTP connection request templates, without the TPKT header.
var (
	crTemplateISOTCP243 = [18]byte{
		0x11, cotpCR, 0x00, 0x00, 0x00, 0x01, 0x00,
		0xC1, 0x02, 0x4D, 0x57, // source TSAP "MW"
		0xC2, 0x02, 0x4D, 0x57, // destination TSAP "MW"
		0xC0, 0x01, 0x09, // TPDU size 512
	}
	crTemplateISOTCP = [18]byte{
		0x11, cotpCR, 0x00, 0x00, 0x00, 0x01, 0x00,
		0xC1, 0x02, 0x01, 0x00, // source TSAP
		0xC2, 0x02, 0x01, 0x02, // destination TSAP: connection type, rack/slot
		0xC0, 0x01, 0x09,
	}
)

// connectionRequest builds the COTP CR payload for the given parameters.
func connectionRequest(f Family, connType, rack, slot int) ([18]byte, error) {
	switch f.protocol() {
	case protoISOTCP243:
		return crTemplateISOTCP243, nil
	case protoISOTCP:
		cr := crTemplateISOTCP
		cr[13] = byte(connType)
		cr[14] = byte(16*(rack*2) + slot)
		return cr, nil
	default:
		return [18]byte{}, configError("no connection template for family %s", f)
	}
}
