package policy

// NetworkAccess controls what network reachability a sandbox gets.
type NetworkAccess string

const (
	NetworkDisabled NetworkAccess = "disabled"
	NetworkOutbound NetworkAccess = "outbound"
	NetworkLoopback NetworkAccess = "loopback"
	NetworkFull     NetworkAccess = "full"
)

// FilesystemCapability is one axis of filesystem access granted over the
// policy's allowed paths.
type FilesystemCapability string

const (
	FilesystemRead    FilesystemCapability = "read"
	FilesystemWrite   FilesystemCapability = "write"
	FilesystemExecute FilesystemCapability = "execute"
)

type MountType string

const (
	MountTypeBind  MountType = "bind"
	MountTypeTmpfs MountType = "tmpfs"
)

type MountMode string

const (
	MountModeReadOnly  MountMode = "ro"
	MountModeReadWrite MountMode = "rw"
)

// Policy is a declarative security profile for sandboxed execution. A
// Policy is treated as immutable once it has passed validation; many
// sandboxes may share a single Policy.
type Policy struct {
	Name         string
	Version      string
	Description  string
	Capabilities Capabilities
	Sandbox      SandboxConfig
}

type Capabilities struct {
	Network        NetworkAccess
	Filesystem     []FilesystemCapability
	AllowedPaths   []string
	DeniedPaths    []string
	ResourceLimits ResourceLimits
}

type ResourceLimits struct {
	CPUs         int
	MemoryBytes  int64
	MaxProcesses int
}

type SandboxConfig struct {
	RootPath         string
	WorkingDirectory string
	Environment      map[string]string
	Mounts           []Mount
}

// Mount is a filesystem attachment exposed inside the sandbox.
type Mount struct {
	Source      string
	Destination string
	Type        MountType
	Mode        MountMode
	Options     []string
}

// DefaultVersion is assumed when a profile omits its version field.
const DefaultVersion = "1.0.0"
