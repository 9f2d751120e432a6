package logdb

const PayToWrite = "pay-to-write"

// AccessManifest is the content-addressed declaration that a log accepts a
// write from anyone who passes its gate.
type AccessManifest struct {
	Type  string   `json:"type"`
	Write []string `json:"write"`
}

func PayToWriteManifest() AccessManifest {
	return AccessManifest{
		Type:  PayToWrite,
		Write: []string{"*"},
	}
}
