package db

import "github.com/jwoglom/haprt/pkg/hapuuid"

// Core-defined service and characteristic type tags the core itself must
// recognize structurally (spec.md §3 "core-defined", §4.3/§4.4 "a
// dedicated pairing characteristic / endpoint"). Sample accessory profiles
// reference these directly when assembling their attribute graphs so the
// orchestrator can locate the pairing characteristics by type rather than
// by a hard-coded id.
var (
	ProtocolInformationServiceType = hapuuid.MustParse("A2")
	AccessoryInformationServiceType = hapuuid.MustParse("3E")
	PairingServiceType             = hapuuid.MustParse("55")

	IdentifyCharType    = hapuuid.MustParse("14")
	PairSetupCharType   = hapuuid.MustParse("4C")
	PairVerifyCharType  = hapuuid.MustParse("4E")
	PairingsCharType    = hapuuid.MustParse("50")
	VersionCharType     = hapuuid.MustParse("37")
)

// protocolInformationServiceType kept as the unexported alias validate.go
// already references.
var protocolInformationServiceType = ProtocolInformationServiceType
