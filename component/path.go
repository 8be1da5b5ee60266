package component

import (
	"fmt"
	"strings"

	"github.com/xonfour/horizont-sub000/errors"
)

// ValidatePath accepts absolute slash-separated paths without empty, "."
// or ".." segments and without a trailing slash. "/" is the root.
func ValidatePath(path string) error {
	invalid := func(reason string) error {
		return errors.WrapBroker(fmt.Errorf("%w: %q %s", errors.ErrInvalidPath, path, reason),
			"component", "ValidatePath", "path validation")
	}

	if path == "/" {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return invalid("is not absolute")
	}
	if strings.HasSuffix(path, "/") {
		return invalid("has a trailing slash")
	}
	for _, seg := range strings.Split(path[1:], "/") {
		switch seg {
		case "":
			return invalid("has an empty segment")
		case ".", "..":
			return invalid("has a relative segment")
		}
	}
	if strings.ContainsRune(path, 0) {
		return invalid("contains a null byte")
	}
	return nil
}
