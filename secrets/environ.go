package secrets

import "os"

func osEnviron() []string {
	return os.Environ()
}
