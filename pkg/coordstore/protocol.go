package coordstore

// Op discriminates a client Req, mirroring pkg/wire's MsgType discriminator
// pattern but for the coordination-store's own leaner request/reply
// protocol.
type Op string

const (
	OpCreateEphemeral Op = "create_ephemeral"
	OpCreatePersistent Op = "create_persistent"
	OpCreateSequentialEphemeral Op = "create_seq_ephemeral"
	OpExists Op = "exists"
	OpGetData Op = "get_data"
	OpChildren Op = "children"
	OpEnsurePath Op = "ensure_path"
	OpDelete Op = "delete"
	OpHeartbeat Op = "heartbeat"
)

// Req is one client request frame.
type Req struct {
	Op Op `json:"op"`
	Path string `json:"path"`
	Value []byte `json:"value,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Resp is the server's reply frame. ErrorKind carries the errs.Kind string
// when Error originated from a classified *errs.Error, so a client can
// reconstruct enough of it for errs.IsAlreadyExists to work across the wire.
type Resp struct {
	OK bool `json:"ok"`
	Error string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`
	AssignedName string `json:"assigned_name,omitempty"`
	Exists bool `json:"exists,omitempty"`
	Data []byte `json:"data,omitempty"`
	Children []string `json:"children,omitempty"`
}
