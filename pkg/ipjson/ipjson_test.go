package ipjson

import (
	"bytes"
	"testing"

	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/hapuuid"
)

func threeAccessoryDatabase() *db.Database {
	mkAcc := func(id uint64) *db.Accessory {
		return &db.Accessory{
			ID: id,
			Services: []*db.Service{
				{
					ID:   1,
					Type: hapuuid.MustParse("3E"),
					Characteristics: []*db.Characteristic{
						{
							ID:         2,
							Type:       hapuuid.MustParse("23"),
							Format:     db.FormatString,
							Properties: db.Properties{Readable: true},
						},
						{
							ID:         3,
							Type:       hapuuid.MustParse("25"),
							Format:     db.FormatBool,
							Properties: db.Properties{Readable: true, Writable: true, SupportsEventNotification: true},
						},
					},
				},
			},
		}
	}
	return &db.Database{Accessories: []*db.Accessory{mkAcc(1), mkAcc(2), mkAcc(3)}}
}

func read(accessoryID, characteristicID uint64) (db.Value, db.Status) {
	if characteristicID == 2 {
		return db.StringValue("hello"), db.StatusOK
	}
	return db.BoolValue(true), db.StatusOK
}

func oneShot(database *db.Database) []byte {
	s := New(database, read)
	var out []byte
	for !s.Done() {
		out = s.Fill(out, 1<<20)
	}
	return out
}

func TestResumeMatchesOneShot(t *testing.T) {
	database := threeAccessoryDatabase()
	want := oneShot(database)

	s := New(database, read)
	var got []byte
	calls := 0
	for !s.Done() {
		chunk := make([]byte, 0, 64)
		chunk = s.Fill(chunk, 32)
		got = append(got, chunk...)
		calls++
		if calls > 10000 {
			t.Fatalf("resume loop did not terminate")
		}
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("resumed output diverges from one-shot:\n got=%s\nwant=%s", got, want)
	}
}

func TestEventOnlyCharacteristicAlwaysNull(t *testing.T) {
	database := &db.Database{Accessories: []*db.Accessory{{
		ID: 1,
		Services: []*db.Service{{
			ID:   1,
			Type: hapuuid.MustParse("3E"),
			Characteristics: []*db.Characteristic{{
				ID:         2,
				Type:       hapuuid.MustParse("73"),
				Format:     db.FormatBool,
				Properties: db.Properties{Readable: true, SupportsEventNotification: true},
			}},
		}},
	}}}
	out := oneShot(database)
	if !bytes.Contains(out, []byte(`"value":null`)) {
		t.Fatalf("expected null value for event-only characteristic, got %s", out)
	}
}

func TestTLVReadFailureEmitsEmptyString(t *testing.T) {
	database := &db.Database{Accessories: []*db.Accessory{{
		ID: 1,
		Services: []*db.Service{{
			ID:   1,
			Type: hapuuid.MustParse("3E"),
			Characteristics: []*db.Characteristic{{
				ID:         2,
				Type:       hapuuid.MustParse("A9"),
				Format:     db.FormatTLV8,
				Properties: db.Properties{Readable: true},
				Callbacks:  db.Callbacks{Read: func(db.ReadRequest) (db.Value, db.Status) { return db.Value{}, db.StatusUnknown }},
			}},
		}},
	}}}
	failingRead := func(accessoryID, characteristicID uint64) (db.Value, db.Status) {
		return db.Value{}, db.StatusUnknown
	}
	s := New(database, failingRead)
	var out []byte
	for !s.Done() {
		out = s.Fill(out, 1<<20)
	}
	if !bytes.Contains(out, []byte(`"value":""`)) {
		t.Fatalf("expected empty-string value for failed TLV read, got %s", out)
	}
}
