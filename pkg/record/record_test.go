package record

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Data{
		AData{Addr: netip.MustParseAddr("192.0.2.1")},
		AAAAData{Addr: netip.MustParseAddr("2001:db8::1")},
		CNAMEData{Target: "example.com."},
		PTRData{Target: "example.com."},
		MXData{Preference: 10, Exchange: "mail.example.com."},
		SOAData{
			MName: "ns1.example.com.", RName: "hostmaster.example.com.",
			Serial: 1, Refresh: 2, Retry: 3, Expire: 4, Minimum: 5,
		},
		SRVData{Priority: 1, Weight: 2, Port: 443, Target: "svc.example.com."},
		TXTData{Strings: []string{"v=spf1", "include:_spf.example.com"}},
		OpaqueData{RRType: 65, Bytes: []byte{1, 2, 3}},
	}

	for _, data := range cases {
		b, err := Encode(data)
		require.NoError(t, err)
		decoded, err := Decode(data.Type(), b)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode(TypeA, []byte{1, 2, 3})
	assert.Error(t, err)

	_, err = Decode(TypeAAAA, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "example.com.", CanonicalName("Example.COM"))
	assert.Equal(t, "example.com.", CanonicalName("example.com."))
	assert.Equal(t, ".", CanonicalName(""))
}

func TestHashRdataDeterministic(t *testing.T) {
	b := []byte("some rdata")
	h1 := HashRdata(b)
	h2 := HashRdata(b)
	assert.Equal(t, h1, h2)

	other := HashRdata([]byte("different rdata"))
	assert.NotEqual(t, h1, other)
}
