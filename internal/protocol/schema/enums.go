package schema

import "strconv"

type Role uint8

const (
	RoleProducer Role = 1
	RoleConsumer Role = 2
)

func (r Role) Valid() bool { return r == RoleProducer || r == RoleConsumer }

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

type ResponseCode uint8

const (
	ResponseOK            ResponseCode = 0
	ResponseUnsupported   ResponseCode = 1
	ResponseInvalidParams ResponseCode = 2
	ResponseRejected      ResponseCode = 3
	ResponseInternalError ResponseCode = 4
)

func (c ResponseCode) Valid() bool { return c <= ResponseInternalError }

func (c ResponseCode) String() string {
	switch c {
	case ResponseOK:
		return "ok"
	case ResponseUnsupported:
		return "unsupported"
	case ResponseInvalidParams:
		return "invalid_params"
	case ResponseRejected:
		return "rejected"
	case ResponseInternalError:
		return "internal_error"
	}
	return "response(" + strconv.Itoa(int(c)) + ")"
}

type HugepagesPolicy uint8

const (
	HugepagesUnspecified HugepagesPolicy = 0
	HugepagesStandard    HugepagesPolicy = 1
	HugepagesRequired    HugepagesPolicy = 2
)

func (p HugepagesPolicy) Valid() bool { return p <= HugepagesRequired }

type PublishMode uint8

const (
	PublishRequireExisting  PublishMode = 1
	PublishExistingOrCreate PublishMode = 2
)

func (m PublishMode) Valid() bool { return m == PublishRequireExisting || m == PublishExistingOrCreate }

type ShutdownReason uint8

const (
	ShutdownNormal ShutdownReason = 0
	ShutdownAdmin  ShutdownReason = 1
	ShutdownError  ShutdownReason = 2
)

func (r ShutdownReason) Valid() bool { return r <= ShutdownError }

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownNormal:
		return "normal"
	case ShutdownAdmin:
		return "admin"
	case ShutdownError:
		return "error"
	}
	return "reason(" + strconv.Itoa(int(r)) + ")"
}

type LeaseRevokeReason uint8

const (
	RevokeDetached LeaseRevokeReason = 0
	RevokeExpired  LeaseRevokeReason = 1
	RevokeRevoked  LeaseRevokeReason = 2
)

func (r LeaseRevokeReason) Valid() bool { return r <= RevokeRevoked }

func (r LeaseRevokeReason) String() string {
	switch r {
	case RevokeDetached:
		return "detached"
	case RevokeExpired:
		return "expired"
	case RevokeRevoked:
		return "revoked"
	}
	return "reason(" + strconv.Itoa(int(r)) + ")"
}

type Dtype uint8

const (
	DtypeUint8   Dtype = 1
	DtypeInt8    Dtype = 2
	DtypeUint16  Dtype = 3
	DtypeInt16   Dtype = 4
	DtypeUint32  Dtype = 5
	DtypeInt32   Dtype = 6
	DtypeUint64  Dtype = 7
	DtypeInt64   Dtype = 8
	DtypeFloat32 Dtype = 9
	DtypeFloat64 Dtype = 10
	DtypeBoolean Dtype = 11
	DtypeBytes   Dtype = 13
	DtypeBit     Dtype = 14
)

func (d Dtype) Valid() bool {
	return (d >= DtypeUint8 && d <= DtypeBoolean) || d == DtypeBytes || d == DtypeBit
}

// Size is the element width in bytes; 0 for BYTES and BIT.
func (d Dtype) Size() int {
	switch d {
	case DtypeUint8, DtypeInt8, DtypeBoolean:
		return 1
	case DtypeUint16, DtypeInt16:
		return 2
	case DtypeUint32, DtypeInt32, DtypeFloat32:
		return 4
	case DtypeUint64, DtypeInt64, DtypeFloat64:
		return 8
	}
	return 0
}

type MajorOrder uint8

const (
	MajorOrderRow    MajorOrder = 1
	MajorOrderColumn MajorOrder = 2
)

func (o MajorOrder) Valid() bool { return o == MajorOrderRow || o == MajorOrderColumn }

type ProgressUnit uint8

const (
	ProgressNone    ProgressUnit = 0
	ProgressRows    ProgressUnit = 1
	ProgressColumns ProgressUnit = 2
)

func (u ProgressUnit) Valid() bool { return u <= ProgressColumns }

type RegionType uint16

const (
	RegionHeaderRing  RegionType = 1
	RegionPayloadPool RegionType = 2
)

func (r RegionType) Valid() bool { return r == RegionHeaderRing || r == RegionPayloadPool }

func (r RegionType) String() string {
	switch r {
	case RegionHeaderRing:
		return "header_ring"
	case RegionPayloadPool:
		return "payload_pool"
	}
	return "region(" + strconv.Itoa(int(r)) + ")"
}

type ConsumerMode uint8

const (
	ModeStream      ConsumerMode = 1
	ModeRateLimited ConsumerMode = 2
)

func (m ConsumerMode) Valid() bool { return m == ModeStream || m == ModeRateLimited }
