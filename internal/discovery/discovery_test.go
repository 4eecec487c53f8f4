package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(instance, host string, port int, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, DefaultService, "local.")
	e.HostName = host
	e.Port = port
	e.Text = txt
	e.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, byte(port%250))}
	return e
}

func TestCollectDeduplicatesAndSorts(t *testing.T) {
	entries := make(chan *zeroconf.ServiceEntry, 4)
	entries <- entry(`Iris-030\ RF3E000208`, "rf3e000208.local.", 55132)
	entries <- entry(`Iris-030\ RF3E000157`, "rf3e000157.local.", 55132, "serial=RF3E000157")
	entries <- nil
	entries <- entry(`Iris-030\ RF3E000208`, "rf3e000208.local.", 55132, "serial=RF3E000208")
	close(entries)

	hosts := collect(context.Background(), entries)
	require.Len(t, hosts, 2)
	assert.Equal(t, "RF3E000157", hosts[0].Serial)
	assert.Equal(t, "RF3E000208", hosts[1].Serial)
	assert.Equal(t, "Iris-030 RF3E000208", hosts[1].Instance)
	assert.Equal(t, []string{"serial=RF3E000208"}, hosts[1].TXT)
	assert.Len(t, hosts[0].Addresses, 1)
}

func TestCollectStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hosts := collect(ctx, make(chan *zeroconf.ServiceEntry))
	assert.Empty(t, hosts)
}

func TestSerialOf(t *testing.T) {
	assert.Equal(t, "RF1", serialOf("Iris RF9", []string{"fw=2", "serial=RF1"}))
	assert.Equal(t, "RF9", serialOf("Iris RF9", []string{"serial="}))
	assert.Equal(t, "", serialOf("", nil))
}

func TestMissingSerials(t *testing.T) {
	hosts := []Host{{Serial: "a"}, {Serial: "c"}}
	assert.Equal(t, []string{"b", "d"}, MissingSerials(hosts, []string{"a", "b", "c", "d"}))
	assert.Nil(t, MissingSerials(hosts, []string{"c", "a"}))
}

func TestCleanInstance(t *testing.T) {
	assert.Equal(t, "Iris-030 RF3E000208", cleanInstance(`Iris-030\ RF3E000208`))
}
