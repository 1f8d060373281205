// Package sandbox is the execution boundary: every command, file, network
// and skill capability runs through a Boundary backed by one workspace.
package sandbox

// Kind enumerates the capability variants the boundary executes.
type Kind string

const (
	KindShell     Kind = "shell"
	KindReadFile  Kind = "read_file"
	KindWriteFile Kind = "write_file"
	KindEditFile  Kind = "edit_file"
	KindFetch     Kind = "fetch"
	KindSearch    Kind = "search"
	KindSkill     Kind = "skill"
)

// Call is one capability call. The set of implementations is closed.
type Call interface {
	Kind() Kind
	sealed()
}

// ShellCall runs a shell command in the workspace root.
type ShellCall struct {
	Command string
}

// ReadFileCall reads Limit lines starting at StartLine (1-based).
type ReadFileCall struct {
	Path      string
	StartLine int
	Limit     int
}

// WriteFileCall replaces a file's content, creating parent directories.
type WriteFileCall struct {
	Path    string
	Content string
}

// Edit is one search/replace block.
type Edit struct {
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// EditFileCall applies Edits in order; each Search must match exactly once.
type EditFileCall struct {
	Path  string
	Edits []Edit
}

// FetchCall downloads a page and extracts its text.
type FetchCall struct {
	URL string
}

// SearchCall runs a web search.
type SearchCall struct {
	Query      string
	MaxResults int
}

// SkillCall loads a skill's instructions.
type SkillCall struct {
	Name string
}

func (ShellCall) Kind() Kind     { return KindShell }
func (ReadFileCall) Kind() Kind  { return KindReadFile }
func (WriteFileCall) Kind() Kind { return KindWriteFile }
func (EditFileCall) Kind() Kind  { return KindEditFile }
func (FetchCall) Kind() Kind     { return KindFetch }
func (SearchCall) Kind() Kind    { return KindSearch }
func (SkillCall) Kind() Kind     { return KindSkill }

func (ShellCall) sealed()     {}
func (ReadFileCall) sealed()  {}
func (WriteFileCall) sealed() {}
func (EditFileCall) sealed()  {}
func (FetchCall) sealed()     {}
func (SearchCall) sealed()    {}
func (SkillCall) sealed()     {}
