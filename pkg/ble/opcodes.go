package ble

// Opcode identifies the GATT procedure carried in a HAP-PDU request body
// (spec.md §4.6).
type Opcode byte

const (
	OpSignatureRead          Opcode = 0x01
	OpCharacteristicWrite     Opcode = 0x02
	OpCharacteristicRead      Opcode = 0x03
	OpTimedWritePrepare       Opcode = 0x04
	OpTimedWriteExecute       Opcode = 0x05
	OpCharacteristicConfig    Opcode = 0x06
	OpProtocolConfig          Opcode = 0x07
	OpAccessorySignatureRead  Opcode = 0x08
)

// PDUStatus is the single-byte status field carried in every HAP-PDU
// response (spec.md §7 "a failure becomes a single-byte status field").
type PDUStatus byte

const (
	PDUStatusSuccess          PDUStatus = 0x00
	PDUStatusUnsupportedPDU   PDUStatus = 0x01
	PDUStatusMaxProcedures    PDUStatus = 0x02
	PDUStatusInsufficientAuth PDUStatus = 0x03
	PDUStatusInvalidRequest   PDUStatus = 0x04
	PDUStatusInsufficientRes  PDUStatus = 0x05
	PDUStatusBusy             PDUStatus = 0x06
)

// TLV8 item type tags carried in HAP-PDU bodies (distinct tag space from
// pairing TLVs, spec.md §4.6).
const (
	tlvValue             byte = 0x01
	tlvAdditionalParams  byte = 0x02
	tlvOrigin            byte = 0x03
	tlvCharPropsDesc     byte = 0x04
	tlvUserDesc          byte = 0x05
	tlvMetadata          byte = 0x06
	tlvCharType          byte = 0x07
	tlvCharIID           byte = 0x08
	tlvServiceType       byte = 0x09
	tlvServiceIID        byte = 0x0A
	tlvTTL               byte = 0x0B
	tlvParamReturnResp   byte = 0x0C
	tlvHAPBLEEventCfg    byte = 0x0D
	tlvHAPBLEEventNotif  byte = 0x0E
	tlvPairResumeSID     byte = 0x0F
	tlvPairResumeSharedS byte = 0x10
	tlvResumeNonce       byte = 0x11
)
