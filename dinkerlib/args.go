package dinkerlib

type BuildImageArgsPort struct {
	Port int `json:"port"`
	// `tcp`, `udp` or `sctp`, defaults to `tcp`
	Transport string `json:"transport"`
}

type BuildImageArgs struct {
	// Directory whose whole tree becomes the single layer of the image. Ownership, modes and
	// symlinks are taken from the directory as is.
	Root AbsPath
	// Required, there is no FROM image to inherit from
	Architecture string
	// Required, there is no FROM image to inherit from
	Os         string
	Env        []string
	WorkingDir string
	User       string
	// Omitted from the config if empty
	Entrypoint []string
	// Omitted from the config if empty
	Cmd        []string
	Ports      []BuildImageArgsPort
	StopSignal string
	Labels     map[string]string
	/// Where to place the built image as an oci-dir
	DestDirPath AbsPath
}
