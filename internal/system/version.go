package system

var Name = "openapi-discovery-operator"
var Version = "<unset>"
var Commit = "<unset>"

// UserAgent identifies the operator in outgoing requests.
func UserAgent() string {
	return Name + "/" + Version
}
