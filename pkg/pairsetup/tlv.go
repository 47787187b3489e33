package pairsetup

// TLV8 item type tags carried on the pair-setup characteristic/endpoint
// (spec.md §4.3).
const (
	tlvMethod        byte = 0x00
	tlvIdentifier     byte = 0x01
	tlvSalt           byte = 0x02
	tlvPublicKey      byte = 0x03
	tlvProof          byte = 0x04
	tlvEncryptedData  byte = 0x05
	tlvState          byte = 0x06
	tlvError          byte = 0x07
	tlvRetryDelay     byte = 0x08
	tlvSignature      byte = 0x0A
)

// Method is the pairing method requested in M1.
type method byte

const methodPairSetup method = 0x00

// errorCode is the TLV error value carried in a failure response.
type errorCode byte

const (
	errUnknown        errorCode = 0x01
	errAuthentication errorCode = 0x02
	errBackoff        errorCode = 0x03
	errMaxPeers       errorCode = 0x04
	errMaxTries       errorCode = 0x05
	errUnavailable    errorCode = 0x06
	errBusy           errorCode = 0x07
)

// state is the TLV-encoded exchange state number (M1=1 ... M6=6).
type state byte
