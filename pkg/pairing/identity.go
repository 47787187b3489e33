package pairing

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/hapcrypto"
	"github.com/jwoglom/haprt/pkg/platform"
)

const identityDomain = "identity"
const identityKey = "device"

// DeviceIdentity is the accessory's immutable device identifier and
// long-term Ed25519 key pair (spec.md §3 "Device identity"), generated on
// first run and persisted thereafter.
type DeviceIdentity struct {
	DeviceID [6]byte
	Public   ed25519.PublicKey
	Private  ed25519.PrivateKey
}

type identityRecord struct {
	DeviceID [6]byte `json:"deviceId"`
	Private  []byte  `json:"private"`
}

// LoadOrCreateIdentity loads the persisted device identity, generating and
// persisting a fresh one on first run. deviceID is only used when a fresh
// identity must be generated; pass a 6-byte value sourced from the
// platform's stable hardware address or a random value.
func LoadOrCreateIdentity(kv platform.KVStore, rng platform.RNG, freshDeviceID [6]byte) (DeviceIdentity, error) {
	raw, err := kv.Get(identityDomain, identityKey)
	if err == nil {
		return decodeIdentity(raw)
	}
	if err != platform.ErrNotFound {
		return DeviceIdentity{}, fmt.Errorf("pairing: load device identity: %w", err)
	}

	pub, priv, err := hapcrypto.GenerateLongTermKeyPair()
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("pairing: generate device identity: %w", err)
	}
	id := DeviceIdentity{DeviceID: freshDeviceID, Public: pub, Private: priv}
	if err := persistIdentity(kv, id); err != nil {
		return DeviceIdentity{}, err
	}
	log.Infof("pairing: generated new device identity %x", id.DeviceID)
	return id, nil
}

func persistIdentity(kv platform.KVStore, id DeviceIdentity) error {
	rec := identityRecord{DeviceID: id.DeviceID, Private: id.Private}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pairing: encode device identity: %w", err)
	}
	if err := kv.Set(identityDomain, identityKey, buf); err != nil {
		return fmt.Errorf("pairing: persist device identity: %w", err)
	}
	return nil
}

func decodeIdentity(raw []byte) (DeviceIdentity, error) {
	var rec identityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return DeviceIdentity{}, fmt.Errorf("pairing: corrupt device identity: %w", err)
	}
	if len(rec.Private) != ed25519.PrivateKeySize {
		return DeviceIdentity{}, fmt.Errorf("pairing: corrupt device identity: bad key size")
	}
	priv := ed25519.PrivateKey(rec.Private)
	pub := priv.Public().(ed25519.PublicKey)
	return DeviceIdentity{DeviceID: rec.DeviceID, Public: pub, Private: priv}, nil
}
