package customer

import dErrors "keysync/pkg/domainerrors"

// Customer is one customer context from the static configuration table.
// Loaded once, read-only at runtime.
type Customer struct {
	Code         string       `json:"code"`
	SharedSecret string       `json:"shared_secret"`
	RealEstates  []RealEstate `json:"real_estates"`
	Zones        []Zone       `json:"zones"`
}

// RealEstate pairs a System A real estate with its System B counterpart and
// the agreed main zone for keys on that estate.
type RealEstate struct {
	SystemAID  string `json:"system_a_id"`
	SystemBID  string `json:"system_b_id"`
	Address    string `json:"address"`
	MainZoneID string `json:"main_zone_id"`
}

// Zone groups the security access pairs it owns.
type Zone struct {
	ID               string               `json:"id"`
	SecurityAccesses []SecurityAccessPair `json:"security_accesses"`
}

// SecurityAccessPair maps a System A security access to its System B
// counterpart.
type SecurityAccessPair struct {
	SystemAID string `json:"system_a_id"`
	SystemBID string `json:"system_b_id"`
}

// Every lookup below returns CodeConfig on a miss: a missing entry means the
// deployment configuration has drifted from the systems, which is fatal for
// the implicated route and must never be retried or escalated as data.

// RealEstateByAddress returns the real estate whose address matches.
func (c Customer) RealEstateByAddress(address string) (RealEstate, error) {
	for _, re := range c.RealEstates {
		if re.Address == address {
			return re, nil
		}
	}
	return RealEstate{}, dErrors.Newf(dErrors.CodeConfig, "customer %s: no real estate configured for address %q", c.Code, address)
}

// RealEstateBySystemB returns the real estate owning the System B id.
func (c Customer) RealEstateBySystemB(systemBID string) (RealEstate, error) {
	for _, re := range c.RealEstates {
		if re.SystemBID == systemBID {
			return re, nil
		}
	}
	return RealEstate{}, dErrors.Newf(dErrors.CodeConfig, "customer %s: no real estate configured for system B id %s", c.Code, systemBID)
}

// SecurityAccessToB translates a System A security access id to System B.
func (c Customer) SecurityAccessToB(systemAID string) (string, error) {
	for _, zone := range c.Zones {
		for _, pair := range zone.SecurityAccesses {
			if pair.SystemAID == systemAID {
				return pair.SystemBID, nil
			}
		}
	}
	return "", dErrors.Newf(dErrors.CodeConfig, "customer %s: security access %s has no system B counterpart", c.Code, systemAID)
}

// SecurityAccessToA translates a System B security access id to System A.
func (c Customer) SecurityAccessToA(systemBID string) (string, error) {
	for _, zone := range c.Zones {
		for _, pair := range zone.SecurityAccesses {
			if pair.SystemBID == systemBID {
				return pair.SystemAID, nil
			}
		}
	}
	return "", dErrors.Newf(dErrors.CodeConfig, "customer %s: security access %s has no system A counterpart", c.Code, systemBID)
}

// ZoneBySecurityAccessB returns the zone owning the System B security access.
func (c Customer) ZoneBySecurityAccessB(systemBID string) (Zone, error) {
	for _, zone := range c.Zones {
		for _, pair := range zone.SecurityAccesses {
			if pair.SystemBID == systemBID {
				return zone, nil
			}
		}
	}
	return Zone{}, dErrors.Newf(dErrors.CodeConfig, "customer %s: no zone owns security access %s", c.Code, systemBID)
}
