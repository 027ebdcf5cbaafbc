// Copyright 2014-2015 The Dename Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yahoo/taglog/logsystem"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, logsystem.DefaultKnobs(), cfg.Knobs)
	require.Len(t, cfg.Cluster.Workers, 3)
	require.Equal(t, 3, cfg.Cluster.ReplicationFactor)
	require.Equal(t, 0, cfg.Cluster.WriteAntiQuorum)
	require.Equal(t, `Across(3, "zoneid", One())`, cfg.Cluster.Policy.String())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taglog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"knobs": {"pop-interval": "250ms"},
		"cluster": {
			"workers": 5,
			"zones": 2,
			"replication-factor": 2,
			"write-anti-quorum": 1,
			"policy": "{\"type\":\"across\",\"count\":2,\"key\":\"zoneid\",\"sub\":{\"type\":\"one\"}}"
		}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.Knobs.PopInterval)
	require.Len(t, cfg.Cluster.Workers, 5)
	require.Equal(t, "zone-0", cfg.Cluster.Workers[0].ZoneID)
	require.Equal(t, "zone-1", cfg.Cluster.Workers[1].ZoneID)
	require.Equal(t, "zone-0", cfg.Cluster.Workers[2].ZoneID)
	require.Equal(t, 2, cfg.Cluster.ReplicationFactor)
	require.Equal(t, 1, cfg.Cluster.WriteAntiQuorum)
}

func TestLoadRejectsBadShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taglog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"cluster": {"replication-factor": 2, "write-anti-quorum": 2}
	}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taglog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"cluster": {"policy": "{\"type\":\"sideways\"}"}
	}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
