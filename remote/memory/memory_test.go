package memory

import (
	"testing"

	"github.com/breez/field-sync/remote"
)

func TestMemoryClient(t *testing.T) {
	(&remote.ClientTest{}).Run(t, NewMemoryClient())
}
