package codec

import (
	"net/mail"
	"strings"
)

// Address is one parsed entry of an address list. Name is empty when the
// entry carried no display name.
type Address struct {
	Name    string
	Address string
}

// ParseAddresses parses a comma-separated address list. A malformed or
// empty list yields no addresses rather than an error.
func ParseAddresses(raw string) []Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parsed, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil
	}

	out := make([]Address, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, Address{Name: a.Name, Address: a.Address})
	}
	return out
}
