package schema

import "github.com/danmuck/tensorpool/internal/protocol/wire"

// DiscoveryRequest asks the driver which streams a data source serves.
type DiscoveryRequest struct {
	RequestID        uint64
	ClientID         uint32
	ResponseStreamID uint32
	StreamID         uint32
	ResponseChannel  string
	DataSourceName   string
}

var discoveryRequestLayout = driverLayout("discoveryRequest", TemplateDiscoveryRequest, 20)

var (
	discRequestID        = wire.Field[uint64]{Offset: 0}
	discClientID         = wire.Field[uint32]{Offset: 8}
	discResponseStreamID = wire.Field[uint32]{Offset: 12}
	discStreamID         = wire.Field[uint32]{Offset: 16}
)

func (m *DiscoveryRequest) EncodedLength() int {
	return wire.HeaderLength + discoveryRequestLayout.BlockLength +
		VarLen(len(m.ResponseChannel)) + VarLen(len(m.DataSourceName))
}

func (m *DiscoveryRequest) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, discoveryRequestLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		discRequestID.Put(b, m.RequestID)
		discClientID.Put(b, m.ClientID)
		discResponseStreamID.Put(b, m.ResponseStreamID)
		discStreamID.Put(b, m.StreamID)
		if err := c.PutVarString(m.ResponseChannel); err != nil {
			return err
		}
		return c.PutVarString(m.DataSourceName)
	})
}

func DecodeDiscoveryRequest(buf []byte, offset int) (DiscoveryRequest, int, error) {
	var m DiscoveryRequest
	n, err := decodeMessage(buf, offset, discoveryRequestLayout, func(c *wire.Codec, b wire.Block) error {
		m.RequestID = discRequestID.Get(b)
		m.ClientID = discClientID.Get(b)
		m.ResponseStreamID = discResponseStreamID.Get(b)
		m.StreamID = discStreamID.Get(b)
		var err error
		if m.ResponseChannel, err = c.VarString(); err != nil {
			return err
		}
		m.DataSourceName, err = c.VarString()
		return err
	})
	return m, n, err
}

// AttachRequest asks the driver for a producer or consumer lease.
type AttachRequest struct {
	CorrelationID         uint64
	StreamID              uint32
	ClientID              uint32
	ExpectedLayoutVersion uint32
	DesiredNodeID         uint32
	Role                  Role
	PublishMode           PublishMode
	RequireHugepages      HugepagesPolicy
}

var attachRequestLayout = driverLayout("shmAttachRequest", TemplateShmAttachRequest, 28)

var (
	attReqCorrelationID   = wire.Field[uint64]{Offset: 0}
	attReqStreamID        = wire.Field[uint32]{Offset: 8}
	attReqClientID        = wire.Field[uint32]{Offset: 12}
	attReqLayoutVersion   = wire.Field[uint32]{Offset: 16}
	attReqDesiredNodeID   = wire.Field[uint32]{Offset: 20}
	attReqRole            = wire.EnumField[Role]{Offset: 24}
	attReqPublishMode     = wire.EnumField[PublishMode]{Offset: 25}
	attReqRequireHugepage = wire.EnumField[HugepagesPolicy]{Offset: 26}
)

func (m *AttachRequest) EncodedLength() int {
	return wire.HeaderLength + attachRequestLayout.BlockLength
}

func (m *AttachRequest) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, attachRequestLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		attReqCorrelationID.Put(b, m.CorrelationID)
		attReqStreamID.Put(b, m.StreamID)
		attReqClientID.Put(b, m.ClientID)
		attReqLayoutVersion.Put(b, m.ExpectedLayoutVersion)
		attReqDesiredNodeID.Put(b, m.DesiredNodeID)
		attReqRole.Put(b, m.Role)
		attReqPublishMode.Put(b, m.PublishMode)
		attReqRequireHugepage.Put(b, m.RequireHugepages)
		return nil
	})
}

func DecodeAttachRequest(buf []byte, offset int) (AttachRequest, int, error) {
	var m AttachRequest
	n, err := decodeMessage(buf, offset, attachRequestLayout, func(c *wire.Codec, b wire.Block) error {
		m.CorrelationID = attReqCorrelationID.Get(b)
		m.StreamID = attReqStreamID.Get(b)
		m.ClientID = attReqClientID.Get(b)
		m.ExpectedLayoutVersion = attReqLayoutVersion.Get(b)
		m.DesiredNodeID = attReqDesiredNodeID.Get(b)
		var err error
		if m.Role, err = attReqRole.Get(b); err != nil {
			return err
		}
		if m.PublishMode, err = attReqPublishMode.Get(b); err != nil {
			return err
		}
		m.RequireHugepages, err = attReqRequireHugepage.Get(b)
		return err
	})
	return m, n, err
}

// AttachResponse carries the lease and region geometry negotiated by the driver.
type AttachResponse struct {
	CorrelationID          uint64
	LeaseID                uint64
	LeaseExpiryTimestampNs uint64
	Epoch                  uint64
	StreamID               uint32
	LayoutVersion          uint32
	HeaderNslots           uint32
	HeaderSlotBytes        uint32
	NodeID                 uint32
	Code                   ResponseCode
	MaxDims                uint8
	Pools                  []PoolInfo
	HeaderRegionURI        string
	ErrorMessage           string
}

// TailOrder selects where the two trailing strings of an attach response
// sit relative to the payload pools group.
type TailOrder int

const (
	// TailGroupFirst is the current revision: pools, headerRegionUri, errorMessage.
	TailGroupFirst TailOrder = iota
	// TailStringsFirst is the earlier revision: headerRegionUri, errorMessage, pools.
	TailStringsFirst
)

var attachResponseLayout = driverLayout("shmAttachResponse", TemplateShmAttachResponse, 56)

var (
	attRspCorrelationID   = wire.Field[uint64]{Offset: 0}
	attRspLeaseID         = wire.Field[uint64]{Offset: 8}
	attRspLeaseExpiry     = wire.Field[uint64]{Offset: 16}
	attRspEpoch           = wire.Field[uint64]{Offset: 24}
	attRspStreamID        = wire.Field[uint32]{Offset: 32}
	attRspLayoutVersion   = wire.Field[uint32]{Offset: 36}
	attRspHeaderNslots    = wire.Field[uint32]{Offset: 40}
	attRspHeaderSlotBytes = wire.Field[uint32]{Offset: 44}
	attRspNodeID          = wire.Field[uint32]{Offset: 48}
	attRspCode            = wire.EnumField[ResponseCode]{Offset: 52}
	attRspMaxDims         = wire.Field[uint8]{Offset: 53}
)

func (m *AttachResponse) EncodedLength() int {
	return wire.HeaderLength + attachResponseLayout.BlockLength + poolsLength(m.Pools) +
		VarLen(len(m.HeaderRegionURI)) + VarLen(len(m.ErrorMessage))
}

func (m *AttachResponse) Encode(buf []byte, offset int) (int, error) {
	return m.EncodeWithOrder(buf, offset, TailGroupFirst)
}

// EncodeWithOrder writes the response using the given tail revision.
func (m *AttachResponse) EncodeWithOrder(buf []byte, offset int, order TailOrder) (int, error) {
	return encodeMessage(buf, offset, attachResponseLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		attRspCorrelationID.Put(b, m.CorrelationID)
		attRspLeaseID.Put(b, m.LeaseID)
		attRspLeaseExpiry.Put(b, m.LeaseExpiryTimestampNs)
		attRspEpoch.Put(b, m.Epoch)
		attRspStreamID.Put(b, m.StreamID)
		attRspLayoutVersion.Put(b, m.LayoutVersion)
		attRspHeaderNslots.Put(b, m.HeaderNslots)
		attRspHeaderSlotBytes.Put(b, m.HeaderSlotBytes)
		attRspNodeID.Put(b, m.NodeID)
		attRspCode.Put(b, m.Code)
		attRspMaxDims.Put(b, m.MaxDims)
		tail := func() error {
			if err := c.PutVarString(m.HeaderRegionURI); err != nil {
				return err
			}
			return c.PutVarString(m.ErrorMessage)
		}
		if order == TailStringsFirst {
			if err := tail(); err != nil {
				return err
			}
			return encodePools(c, m.Pools)
		}
		if err := encodePools(c, m.Pools); err != nil {
			return err
		}
		return tail()
	})
}

// DecodeAttachResponse accepts both tail revisions. It peeks the declared
// block length at the cursor: 0 or the pool element size means the group
// comes first. A strings-first message whose headerRegionUri length has a
// low half of 0 or 12 is misread; see DESIGN.md.
func DecodeAttachResponse(buf []byte, offset int) (AttachResponse, int, error) {
	var m AttachResponse
	n, err := decodeMessage(buf, offset, attachResponseLayout, func(c *wire.Codec, b wire.Block) error {
		m.CorrelationID = attRspCorrelationID.Get(b)
		m.LeaseID = attRspLeaseID.Get(b)
		m.LeaseExpiryTimestampNs = attRspLeaseExpiry.Get(b)
		m.Epoch = attRspEpoch.Get(b)
		m.StreamID = attRspStreamID.Get(b)
		m.LayoutVersion = attRspLayoutVersion.Get(b)
		m.HeaderNslots = attRspHeaderNslots.Get(b)
		m.HeaderSlotBytes = attRspHeaderSlotBytes.Get(b)
		m.NodeID = attRspNodeID.Get(b)
		m.MaxDims = attRspMaxDims.Get(b)
		code, err := attRspCode.Get(b)
		if err != nil {
			return err
		}
		m.Code = code
		tail := func() error {
			uri, err := c.VarString()
			if err != nil {
				return err
			}
			msg, err := c.VarString()
			if err != nil {
				return err
			}
			m.HeaderRegionURI = uri
			m.ErrorMessage = truncate(msg, MaxErrorMessage)
			return nil
		}
		declared, _, err := c.PeekGroupHeader()
		if err != nil {
			return err
		}
		if declared == 0 || int(declared) == poolsGroup.BlockLength {
			if m.Pools, err = decodePools(c); err != nil {
				return err
			}
			return tail()
		}
		if err := tail(); err != nil {
			return err
		}
		m.Pools, err = decodePools(c)
		return err
	})
	return m, n, err
}

// DetachRequest releases a lease.
type DetachRequest struct {
	CorrelationID uint64
	LeaseID       uint64
	StreamID      uint32
	ClientID      uint32
	Role          Role
}

var detachRequestLayout = driverLayout("shmDetachRequest", TemplateShmDetachRequest, 28)

var (
	detReqCorrelationID = wire.Field[uint64]{Offset: 0}
	detReqLeaseID       = wire.Field[uint64]{Offset: 8}
	detReqStreamID      = wire.Field[uint32]{Offset: 16}
	detReqClientID      = wire.Field[uint32]{Offset: 20}
	detReqRole          = wire.EnumField[Role]{Offset: 24}
)

func (m *DetachRequest) EncodedLength() int {
	return wire.HeaderLength + detachRequestLayout.BlockLength
}

func (m *DetachRequest) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, detachRequestLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		detReqCorrelationID.Put(b, m.CorrelationID)
		detReqLeaseID.Put(b, m.LeaseID)
		detReqStreamID.Put(b, m.StreamID)
		detReqClientID.Put(b, m.ClientID)
		detReqRole.Put(b, m.Role)
		return nil
	})
}

func DecodeDetachRequest(buf []byte, offset int) (DetachRequest, int, error) {
	var m DetachRequest
	n, err := decodeMessage(buf, offset, detachRequestLayout, func(c *wire.Codec, b wire.Block) error {
		m.CorrelationID = detReqCorrelationID.Get(b)
		m.LeaseID = detReqLeaseID.Get(b)
		m.StreamID = detReqStreamID.Get(b)
		m.ClientID = detReqClientID.Get(b)
		var err error
		m.Role, err = detReqRole.Get(b)
		return err
	})
	return m, n, err
}

// DetachResponse acknowledges a detach request.
type DetachResponse struct {
	CorrelationID uint64
	LeaseID       uint64
	StreamID      uint32
	Code          ResponseCode
	ErrorMessage  string
}

var detachResponseLayout = driverLayout("shmDetachResponse", TemplateShmDetachResponse, 24)

var (
	detRspCorrelationID = wire.Field[uint64]{Offset: 0}
	detRspLeaseID       = wire.Field[uint64]{Offset: 8}
	detRspStreamID      = wire.Field[uint32]{Offset: 16}
	detRspCode          = wire.EnumField[ResponseCode]{Offset: 20}
)

func (m *DetachResponse) EncodedLength() int {
	return wire.HeaderLength + detachResponseLayout.BlockLength + VarLen(len(m.ErrorMessage))
}

func (m *DetachResponse) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, detachResponseLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		detRspCorrelationID.Put(b, m.CorrelationID)
		detRspLeaseID.Put(b, m.LeaseID)
		detRspStreamID.Put(b, m.StreamID)
		detRspCode.Put(b, m.Code)
		return c.PutVarString(m.ErrorMessage)
	})
}

func DecodeDetachResponse(buf []byte, offset int) (DetachResponse, int, error) {
	var m DetachResponse
	n, err := decodeMessage(buf, offset, detachResponseLayout, func(c *wire.Codec, b wire.Block) error {
		m.CorrelationID = detRspCorrelationID.Get(b)
		m.LeaseID = detRspLeaseID.Get(b)
		m.StreamID = detRspStreamID.Get(b)
		var err error
		if m.Code, err = detRspCode.Get(b); err != nil {
			return err
		}
		msg, err := c.VarString()
		m.ErrorMessage = truncate(msg, MaxErrorMessage)
		return err
	})
	return m, n, err
}

// LeaseKeepalive renews a lease before it expires.
type LeaseKeepalive struct {
	LeaseID           uint64
	ClientTimestampNs uint64
	StreamID          uint32
	ClientID          uint32
	Role              Role
}

var leaseKeepaliveLayout = driverLayout("shmLeaseKeepalive", TemplateShmLeaseKeepalive, 28)

var (
	kaLeaseID   = wire.Field[uint64]{Offset: 0}
	kaTimestamp = wire.Field[uint64]{Offset: 8}
	kaStreamID  = wire.Field[uint32]{Offset: 16}
	kaClientID  = wire.Field[uint32]{Offset: 20}
	kaRole      = wire.EnumField[Role]{Offset: 24}
)

func (m *LeaseKeepalive) EncodedLength() int {
	return wire.HeaderLength + leaseKeepaliveLayout.BlockLength
}

func (m *LeaseKeepalive) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, leaseKeepaliveLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		kaLeaseID.Put(b, m.LeaseID)
		kaTimestamp.Put(b, m.ClientTimestampNs)
		kaStreamID.Put(b, m.StreamID)
		kaClientID.Put(b, m.ClientID)
		kaRole.Put(b, m.Role)
		return nil
	})
}

func DecodeLeaseKeepalive(buf []byte, offset int) (LeaseKeepalive, int, error) {
	var m LeaseKeepalive
	n, err := decodeMessage(buf, offset, leaseKeepaliveLayout, func(c *wire.Codec, b wire.Block) error {
		m.LeaseID = kaLeaseID.Get(b)
		m.ClientTimestampNs = kaTimestamp.Get(b)
		m.StreamID = kaStreamID.Get(b)
		m.ClientID = kaClientID.Get(b)
		var err error
		m.Role, err = kaRole.Get(b)
		return err
	})
	return m, n, err
}

// LeaseRevoked is an unsolicited notice that a lease is gone.
type LeaseRevoked struct {
	TimestampNs  uint64
	LeaseID      uint64
	StreamID     uint32
	ClientID     uint32
	Role         Role
	Reason       LeaseRevokeReason
	ErrorMessage string
}

var leaseRevokedLayout = driverLayout("shmLeaseRevoked", TemplateShmLeaseRevoked, 28)

var (
	revTimestamp = wire.Field[uint64]{Offset: 0}
	revLeaseID   = wire.Field[uint64]{Offset: 8}
	revStreamID  = wire.Field[uint32]{Offset: 16}
	revClientID  = wire.Field[uint32]{Offset: 20}
	revRole      = wire.EnumField[Role]{Offset: 24}
	revReason    = wire.EnumField[LeaseRevokeReason]{Offset: 25}
)

func (m *LeaseRevoked) EncodedLength() int {
	return wire.HeaderLength + leaseRevokedLayout.BlockLength + VarLen(len(m.ErrorMessage))
}

func (m *LeaseRevoked) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, leaseRevokedLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		revTimestamp.Put(b, m.TimestampNs)
		revLeaseID.Put(b, m.LeaseID)
		revStreamID.Put(b, m.StreamID)
		revClientID.Put(b, m.ClientID)
		revRole.Put(b, m.Role)
		revReason.Put(b, m.Reason)
		return c.PutVarString(m.ErrorMessage)
	})
}

func DecodeLeaseRevoked(buf []byte, offset int) (LeaseRevoked, int, error) {
	var m LeaseRevoked
	n, err := decodeMessage(buf, offset, leaseRevokedLayout, func(c *wire.Codec, b wire.Block) error {
		m.TimestampNs = revTimestamp.Get(b)
		m.LeaseID = revLeaseID.Get(b)
		m.StreamID = revStreamID.Get(b)
		m.ClientID = revClientID.Get(b)
		var err error
		if m.Role, err = revRole.Get(b); err != nil {
			return err
		}
		if m.Reason, err = revReason.Get(b); err != nil {
			return err
		}
		msg, err := c.VarString()
		m.ErrorMessage = truncate(msg, MaxErrorMessage)
		return err
	})
	return m, n, err
}

// DriverShutdown announces the driver is going away; every lease ends.
type DriverShutdown struct {
	TimestampNs  uint64
	Reason       ShutdownReason
	ErrorMessage string
}

var driverShutdownLayout = driverLayout("shmDriverShutdown", TemplateShmDriverShutdown, 12)

var (
	shutTimestamp = wire.Field[uint64]{Offset: 0}
	shutReason    = wire.EnumField[ShutdownReason]{Offset: 8}
)

func (m *DriverShutdown) EncodedLength() int {
	return wire.HeaderLength + driverShutdownLayout.BlockLength + VarLen(len(m.ErrorMessage))
}

func (m *DriverShutdown) Encode(buf []byte, offset int) (int, error) {
	return encodeMessage(buf, offset, driverShutdownLayout, m.EncodedLength(), func(c *wire.Codec, b wire.Block) error {
		shutTimestamp.Put(b, m.TimestampNs)
		shutReason.Put(b, m.Reason)
		return c.PutVarString(m.ErrorMessage)
	})
}

func DecodeDriverShutdown(buf []byte, offset int) (DriverShutdown, int, error) {
	var m DriverShutdown
	n, err := decodeMessage(buf, offset, driverShutdownLayout, func(c *wire.Codec, b wire.Block) error {
		m.TimestampNs = shutTimestamp.Get(b)
		var err error
		if m.Reason, err = shutReason.Get(b); err != nil {
			return err
		}
		msg, err := c.VarString()
		m.ErrorMessage = truncate(msg, MaxErrorMessage)
		return err
	})
	return m, n, err
}
