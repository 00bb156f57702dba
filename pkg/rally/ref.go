package rally

import (
	"regexp"
	"strings"
)

// WSAPI type names used in paths and references.
const (
	TypeProject        = "project"
	TypeUser           = "user"
	TypeUserStory      = "hierarchicalrequirement"
	TypeDefect         = "defect"
	TypeTask           = "task"
	TypeTestCase       = "testcase"
	TypeTestCaseStep   = "testcasestep"
	TypeTestFolder     = "testfolder"
	TypeIteration      = "iteration"
	TypeTypeDefinition = "typedefinition"
)

var numericID = regexp.MustCompile(`^\d+$`)

// Ref builds a relative reference such as /project/123.
func Ref(typ, id string) string {
	return "/" + typ + "/" + strings.TrimSpace(id)
}

// HasRefPrefix reports whether ref points at an object of the given type.
func HasRefPrefix(ref, typ string) bool {
	return strings.HasPrefix(ref, "/"+typ+"/")
}

// EnsureRef turns a bare numeric id into a reference of the given type and
// leaves anything else untouched.
func EnsureRef(value, typ string) string {
	v := strings.TrimSpace(value)
	if numericID.MatchString(v) {
		return Ref(typ, v)
	}
	return v
}

// RelativeRef strips the scheme, host and service prefix from an absolute
// _ref, so https://rally1.rallydev.com/slm/webservice/v2.0/task/1 becomes /task/1.
func RelativeRef(ref string) string {
	if i := strings.Index(ref, "/webservice/"); i >= 0 {
		rest := ref[i+len("/webservice/"):]
		if j := strings.Index(rest, "/"); j >= 0 {
			return rest[j:]
		}
	}
	return ref
}

// RefID returns the trailing ObjectID of a reference.
func RefID(ref string) string {
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
