package volume

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ShortScenarioName(t *testing.T) {
	p, err := Parse("backup-b-20240101.zip.aes")
	require.NoError(t, err)

	assert.Equal(t, "backup", p.Prefix)
	assert.Equal(t, TypeBlocks, p.Type)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), p.Time)
	assert.Empty(t, p.GUID)
	assert.Equal(t, "zip", p.CompressionModule)
	assert.Equal(t, "aes", p.EncryptionModule)
}

func TestParse_PrefixWithDashes(t *testing.T) {
	name := "my-nightly-backup-i-20240315T101112Z-0123456789abcdef0123456789abcdef.zip"
	p, err := Parse(name)
	require.NoError(t, err)

	assert.Equal(t, "my-nightly-backup", p.Prefix)
	assert.Equal(t, TypeIndex, p.Type)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", p.GUID)
	assert.Empty(t, p.EncryptionModule)
	assert.Equal(t, name, p.Name())
}

func TestParse_PrefixWithDots(t *testing.T) {
	for name, want := range map[string]ParsedVolume{
		"db.prod-b-20240101.zip": {
			Prefix: "db.prod", Type: TypeBlocks, Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			CompressionModule: "zip",
		},
		"db.prod-f-20240101.zip.aes": {
			Prefix: "db.prod", Type: TypeFiles, Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			CompressionModule: "zip", EncryptionModule: "aes",
		},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(name)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, name, got.Name())
		})
	}
}

func TestParse_UppercaseGUIDRoundTrips(t *testing.T) {
	name := "backup-b-20240315T101112Z-0123456789ABCDEF0123456789ABCDEF.zip"
	p, err := Parse(name)
	require.NoError(t, err)
	assert.Equal(t, "backup", p.Prefix)
	assert.Equal(t, "0123456789ABCDEF0123456789ABCDEF", p.GUID)
	assert.Equal(t, name, p.Name())

	_, err = Parse("backup-b-20240315T101112Z-0123456789abcdef0123456789abcdeg.zip")
	assert.ErrorIs(t, err, ErrInvalidName, "not hex, so taken as the timestamp")
}

func TestParse_Invalid(t *testing.T) {
	for _, name := range []string{
		"",
		"noextension",
		"backup-b-20240101",
		"backup-x-20240101.zip",
		"-b-20240101.zip",
		"backup-b-notatime.zip",
		"backup-b-20240101.zip.aes.extra",
		"backup-b-20240101.",
		"b-20240101.zip",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(name)
			assert.ErrorIs(t, err, ErrInvalidName)
		})
	}
}

func TestParseGenerate_RoundTrip(t *testing.T) {
	times := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1999, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2030, 6, 15, 12, 30, 1, 0, time.UTC),
	}
	prefixes := []string{"duplicati", "a", "with-dash-prefix", "host.example.com", "nightly-v1.2"}
	types := []Type{TypeFiles, TypeIndex, TypeBlocks}
	guids := []string{"", NewGUID()}
	encryptions := []string{"", "xchacha", "aes"}

	for _, prefix := range prefixes {
		for _, typ := range types {
			for _, ts := range times {
				for _, guid := range guids {
					for _, enc := range encryptions {
						want := ParsedVolume{
							Prefix:            prefix,
							Type:              typ,
							Time:              ts,
							GUID:              guid,
							CompressionModule: "zip",
							EncryptionModule:  enc,
						}
						name := Generate(prefix, typ, ts, guid, "zip", enc)
						got, err := Parse(name)
						require.NoError(t, err, name)
						assert.Equal(t, want, got, name)
						assert.Equal(t, name, got.Name())
					}
				}
			}
		}
	}
}

func TestNewName_Unique(t *testing.T) {
	ts := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n := NewName("backup", TypeBlocks, ts, "zip", "")
		assert.False(t, seen[n], "duplicate name %s", n)
		seen[n] = true
	}
}

func TestUniqueName(t *testing.T) {
	ts := time.Now()
	calls := 0
	name, err := UniqueName("backup", TypeIndex, ts, "zip", "", func(string) (bool, error) {
		calls++
		return calls < 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	p, err := Parse(name)
	require.NoError(t, err)
	assert.Equal(t, TypeIndex, p.Type)

	_, err = UniqueName("backup", TypeIndex, ts, "zip", "", func(string) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, ErrUniqueNameExhausted)
}
