package sample

import (
	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/hapuuid"
)

// Well-known Accessory Information characteristic types (spec.md §3 "core
// -defined"), beyond the handful pkg/db/wellknown.go already exports for
// the pairing/protocol machinery.
var (
	manufacturerCharType = hapuuid.MustParse("20")
	modelCharType        = hapuuid.MustParse("21")
	nameCharType         = hapuuid.MustParse("23")
	serialNumberCharType = hapuuid.MustParse("30")
	firmwareRevCharType  = hapuuid.MustParse("52")
)

// Identity carries the accessory-information strings every sample profile
// exposes identically.
type Identity struct {
	Name             string
	Manufacturer     string
	Model            string
	SerialNumber     string
	FirmwareRevision string
}

// AccessoryInformationService builds the mandatory Accessory Information
// service (spec.md's Accessory Information type, db.AccessoryInformationServiceType),
// assigning the service id startID and characteristic ids
// startID+1..startID+6 (identify is startID+5), and wiring identify to
// the accessory's physical identify routine (a relay click, an LED blink,
// whatever the caller passes).
func AccessoryInformationService(startID uint64, id Identity, identify func()) *db.Service {
	readOnlyString := func(cid uint64, charType hapuuid.UUID, value string) *db.Characteristic {
		return &db.Characteristic{
			ID:     cid,
			Type:   charType,
			Format: db.FormatString,
			Properties: db.Properties{
				Readable: true,
			},
			Callbacks: db.Callbacks{
				Read: func(db.ReadRequest) (db.Value, db.Status) {
					return db.StringValue(value), db.StatusOK
				},
			},
			Length: &db.LengthConstraint{MaxLength: 64},
		}
	}

	identifyCh := &db.Characteristic{
		ID:     startID + 5,
		Type:   db.IdentifyCharType,
		Format: db.FormatBool,
		Properties: db.Properties{
			Writable: true,
		},
		Callbacks: db.Callbacks{
			Write: func(db.WriteRequest) db.Status {
				if identify != nil {
					identify()
				}
				return db.StatusOK
			},
		},
	}

	return &db.Service{
		ID:      startID,
		Type:    db.AccessoryInformationServiceType,
		Primary: false,
		Characteristics: []*db.Characteristic{
			identifyCh,
			readOnlyString(startID+1, manufacturerCharType, id.Manufacturer),
			readOnlyString(startID+2, modelCharType, id.Model),
			readOnlyString(startID+3, nameCharType, id.Name),
			readOnlyString(startID+4, serialNumberCharType, id.SerialNumber),
			readOnlyString(startID+6, firmwareRevCharType, id.FirmwareRevision),
		},
	}
}
