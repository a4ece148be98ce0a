package homedir

import (
	"os"
	"os/user"
	"path/filepath"
)

func Get() string {
	h := os.Getenv("HOME")
	if h != "" {
		return h
	}

	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}

// DataDir returns the default directory for mailvault's config,
// state database and lock files.
func DataDir() string {
	return filepath.Join(Get(), ".mailvault")
}
