package protocol

// Command verbs
const (
	CmdCreate         = "CREATE"
	CmdUpload         = "UPLOAD"
	CmdRead           = "READ"
	CmdWrite          = "WRITE"
	CmdOpen           = "OPEN"
	CmdSeek           = "SEEK"
	CmdClose          = "CLOSE"
	CmdDelete         = "DELETE"
	CmdReplicate      = "REPLICATE"
	CmdUpdateReplica  = "UPDATE_REPLICA"
	CmdDeleteReplica  = "DELETE_REPLICA"
	CmdReadFromServer = "READFROMSERVER"
	CmdEditedContent  = "EDITED_CONTENT"
)

// SeekChunkSize is the most bytes a SEEK returns
const SeekChunkSize = 1024

// Response texts
const (
	StatusOK = "OK"

	TextCreated        = "File created successfully."
	TextUploaded       = "File uploaded successfully."
	TextReplicated     = "File replicated successfully."
	TextUpdated        = "File updated successfully."
	TextDeleted        = "File deleted successfully."
	TextReplicaUpdated = "Replica updated successfully."
	TextReplicaDeleted = "Replica deleted successfully."
	TextOpened         = "FILE OPENED"
	TextClosed         = "FILE CLOSED"

	TextExists      = "File already exists."
	TextNotFound    = "File not found."
	TextLocked      = "Lease not acquired. File is currently locked."
	TextUnknown     = "Unknown command."
	TextNotPrimary  = "Not the primary for this file."
	TextUnavailable = "File unavailable: no reachable copy."
	TextDiskFull    = "Insufficient storage on node."
)

// IsPeerCommand reports whether verb is only sent node to node
func IsPeerCommand(verb string) bool {
	switch verb {
	case CmdReplicate, CmdUpdateReplica, CmdDeleteReplica, CmdReadFromServer, CmdEditedContent:
		return true
	}
	return false
}
