package constants

// Protocol identifies a back-end family.
type Protocol string

const (
	ProtocolTaskPoll        Protocol = "task_poll"
	ProtocolTransactionPoll Protocol = "transaction_poll"
	ProtocolJSONRPC         Protocol = "jsonrpc_tool"
)

// Protocols holds the accepted protocol values for target configuration.
var Protocols = []string{
	string(ProtocolTaskPoll),
	string(ProtocolTransactionPoll),
	string(ProtocolJSONRPC),
}

// UploadMode selects how Task-Poll targets receive document bytes.
type UploadMode string

const (
	UploadMultipart UploadMode = "multipart"
	UploadBinary    UploadMode = "binary"
)
