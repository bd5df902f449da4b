package protocol

// Wire events. Every request has a ":response" counterpart carrying
// (error, data).
const (
	EventAuth                 = "auth"
	EventAuthResponse         = "auth:response"
	EventServerDir            = "server-dir"
	EventServerDirResponse    = "server-dir:response"
	EventEnableTwoWay         = "enable-two-way"
	EventEnableTwoWayResponse = "enable-two-way:response"
	EventDeleteFile           = "delete-file"
	EventDeleteFileResponse   = "delete-file:response"
)

// Messages the peer sees for common failures
const (
	MsgSecretMismatch   = "Secret did not match"
	MsgNotAuthenticated = "not authenticated"
	MsgTwoWayDisabled   = "twoWay not enabled by server"
	MsgNoServerDir      = "server-dir not sent or does not exist"
	MsgAlreadyEnabled   = "already enabled"
	MsgDeleteByRemote   = "delete-by-remote not enabled"
)

// ServerDirReply is the data of server-dir:response
type ServerDirReply struct {
	ServerDir     string `json:"serverDir"`
	TwoWayEnabled bool   `json:"twoWayEnabled"`
}

// EnableTwoWayReply is the data of enable-two-way:response
type EnableTwoWayReply struct {
	Success bool `json:"success"`
}

// DeleteFileRequest is the data of delete-file
type DeleteFileRequest struct {
	Relative string `json:"relative"`
}

// DeleteFileReply is the data of delete-file:response
type DeleteFileReply struct {
	Relative string `json:"relative"`
}
