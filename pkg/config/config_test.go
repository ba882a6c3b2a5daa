package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `{
  "interfaces": {
    "eth0": {
      "endpoints": {
        "unicast": {"ip": "10.0.0.5", "port": 30501, "version": 4, "protocol": "udp"},
        "sdgroup": {"ip": "224.224.224.245", "port": 30490, "version": 4, "protocol": "udp"}
      },
      "sd": {"v4": "sdgroup"}
    }
  },
  "instances": {
    "node1": {
      "providing": {
        "adder": {
          "service_id": 4660, "instance_id": 1, "major_version": 1, "minor_version": 0,
          "offer_on": {"eth0": "unicast"}
        }
      },
      "unicast_bind": {"eth0": "unicast"}
    }
  }
}`

func TestLoadValidDocument(t *testing.T) {
	cfg, err := Load(strings.NewReader(validDoc))
	require.NoError(t, err)
	iface, ok := cfg.Interface("eth0")
	require.True(t, ok)
	assert.Equal(t, "sdgroup", iface.SD.V4)
}

func TestLoadRejectsUnknownEndpointAlias(t *testing.T) {
	doc := `{
  "interfaces": {
    "eth0": {"endpoints": {"unicast": {"ip": "10.0.0.5", "port": 30501, "version": 4, "protocol": "udp"}}, "sd": {}}
  },
  "instances": {
    "node1": {
      "providing": {"adder": {"service_id": 1, "instance_id": 1, "major_version": 1, "offer_on": {"eth0": "does-not-exist"}}},
      "unicast_bind": {"eth0": "unicast"}
    }
  }
}`
	_, err := Load(strings.NewReader(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsZeroSDPort(t *testing.T) {
	doc := strings.Replace(validDoc, `"port": 30490`, `"port": 0`, 1)
	_, err := Load(strings.NewReader(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsDuplicateProvidingIdentity(t *testing.T) {
	doc := `{
  "interfaces": {
    "eth0": {"endpoints": {"a": {"ip": "10.0.0.1", "port": 1, "version": 4, "protocol": "udp"}, "b": {"ip": "10.0.0.2", "port": 2, "version": 4, "protocol": "udp"}}, "sd": {}}
  },
  "instances": {
    "node1": {
      "providing": {"svcA": {"service_id": 1, "instance_id": 1, "major_version": 1, "offer_on": {"eth0": "a"}}},
      "unicast_bind": {"eth0": "a"}
    },
    "node2": {
      "providing": {"svcB": {"service_id": 1, "instance_id": 1, "major_version": 1, "offer_on": {"eth0": "b"}}},
      "unicast_bind": {"eth0": "b"}
    }
  }
}`
	_, err := Load(strings.NewReader(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsDuplicateEndpointTupleWithoutSDReuse(t *testing.T) {
	doc := `{
  "interfaces": {
    "eth0": {"endpoints": {"a": {"ip": "10.0.0.1", "port": 30501, "version": 4, "protocol": "udp"}, "b": {"ip": "10.0.0.1", "port": 30501, "version": 4, "protocol": "udp"}}, "sd": {}}
  },
  "instances": {
    "node1": {"unicast_bind": {"eth0": "a"}}
  }
}`
	_, err := Load(strings.NewReader(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadAllowsDuplicateEndpointTupleForSDControlPlane(t *testing.T) {
	doc := `{
  "interfaces": {
    "eth0": {"endpoints": {"sd4": {"ip": "224.224.224.245", "port": 30490, "version": 4, "protocol": "udp"}}, "sd": {"v4": "sd4"}},
    "eth1": {"endpoints": {"sd4b": {"ip": "224.224.224.245", "port": 30490, "version": 4, "protocol": "udp"}}, "sd": {"v4": "sd4b"}}
  },
  "instances": {
    "node1": {"unicast_bind": {"eth0": "sd4"}}
  }
}`
	_, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
}
