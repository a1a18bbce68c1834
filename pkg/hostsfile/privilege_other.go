//go:build !unix

package hostsfile

import "os"

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".hostguard-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
