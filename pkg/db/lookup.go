package db

import "github.com/jwoglom/haprt/pkg/hapuuid"

// FindCharacteristicByType returns the first characteristic of the given
// type tag belonging to accessoryID, used by the orchestrator to locate
// the well-known pairing characteristics (Pair Setup, Pair Verify,
// Pairings) by type rather than by a hard-coded id (spec.md §4.3/§4.4,
// §4.8).
func (d *Database) FindCharacteristicByType(accessoryID uint64, t hapuuid.UUID) (*Characteristic, bool) {
	for _, acc := range d.Accessories {
		if acc.ID != accessoryID {
			continue
		}
		for _, svc := range acc.Services {
			for _, ch := range svc.Characteristics {
				if ch.Type == t {
					return ch, true
				}
			}
		}
	}
	return nil, false
}

// Find resolves (accessoryID, characteristicID) to the owning accessory,
// service and characteristic, used by the access engine's existence gate
// (spec.md §4.2 step 1) and by the IP/BLE transports' request routing.
func (d *Database) Find(accessoryID, characteristicID uint64) (*Accessory, *Service, *Characteristic, bool) {
	for _, acc := range d.Accessories {
		if acc.ID != accessoryID {
			continue
		}
		for _, svc := range acc.Services {
			for _, ch := range svc.Characteristics {
				if ch.ID == characteristicID {
					return acc, svc, ch, true
				}
			}
		}
	}
	return nil, nil, nil, false
}
