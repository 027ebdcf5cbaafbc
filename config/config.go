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

// Package config loads the knobs and cluster layout of a log system
// deployment. Values come from an optional config file (JSON/YAML/TOML),
// overridable through TAGLOG_* environment variables.
package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/yahoo/taglog/locality"
	"github.com/yahoo/taglog/logsystem"
	"github.com/yahoo/taglog/tlog"
)

// Cluster describes the log servers to run and how to replicate across them.
type Cluster struct {
	// Workers lists the locality of each log worker process.
	Workers []locality.Data
	// ReplicationFactor is how many servers each tag is pushed to.
	ReplicationFactor int
	// WriteAntiQuorum is how many of those pushes may be outstanding when a
	// commit is acknowledged.
	WriteAntiQuorum int
	// Policy constrains which server spreads satisfy the replication factor.
	Policy locality.Policy
	// DBPath is where the coordinated-state record is persisted.
	DBPath string
}

// Config is everything a taglog process reads at startup.
type Config struct {
	Knobs   logsystem.Knobs
	Cluster Cluster
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("taglog")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	def := logsystem.DefaultKnobs()
	v.SetDefault("knobs.tlog-timeout", def.TLogTimeout)
	v.SetDefault("knobs.master-failure-slope-during-recovery", def.MasterFailureSlopeDuringRecovery)
	v.SetDefault("knobs.pop-interval", def.PopInterval)
	v.SetDefault("knobs.max-read-transaction-life-versions", int64(def.MaxReadTransactionLifeVersions))
	v.SetDefault("knobs.versions-per-second", int64(def.VersionsPerSecond))

	v.SetDefault("cluster.workers", 3)
	v.SetDefault("cluster.zones", 3)
	v.SetDefault("cluster.replication-factor", 3)
	v.SetDefault("cluster.write-anti-quorum", 0)
	v.SetDefault("cluster.policy", `{"type":"across","count":3,"key":"zoneid","sub":{"type":"one"}}`)
	v.SetDefault("cluster.db-path", "taglog-db")
	return v
}

// Load reads the configuration, merging in the named config file when path is
// non-empty.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Knobs: logsystem.Knobs{
			TLogTimeout:                      v.GetDuration("knobs.tlog-timeout"),
			MasterFailureSlopeDuringRecovery: v.GetDuration("knobs.master-failure-slope-during-recovery"),
			PopInterval:                      v.GetDuration("knobs.pop-interval"),
			MaxReadTransactionLifeVersions:   tlog.Version(v.GetInt64("knobs.max-read-transaction-life-versions")),
			VersionsPerSecond:                tlog.Version(v.GetInt64("knobs.versions-per-second")),
		},
		Cluster: Cluster{
			ReplicationFactor: v.GetInt("cluster.replication-factor"),
			WriteAntiQuorum:   v.GetInt("cluster.write-anti-quorum"),
			DBPath:            v.GetString("cluster.db-path"),
		},
	}

	policy, err := locality.DecodePolicy([]byte(v.GetString("cluster.policy")))
	if err != nil {
		return nil, errors.Wrap(err, "cluster.policy")
	}
	cfg.Cluster.Policy = policy

	workers := v.GetInt("cluster.workers")
	zones := v.GetInt("cluster.zones")
	if workers < 0 || zones <= 0 {
		return nil, errors.Errorf("bad cluster shape: %d workers across %d zones", workers, zones)
	}
	cfg.Cluster.Workers = Localities(workers, zones)

	if cfg.Cluster.ReplicationFactor <= 0 {
		return nil, errors.Errorf("replication factor %d must be positive", cfg.Cluster.ReplicationFactor)
	}
	if cfg.Cluster.WriteAntiQuorum < 0 || cfg.Cluster.WriteAntiQuorum >= cfg.Cluster.ReplicationFactor {
		return nil, errors.Errorf("write anti-quorum %d must be in [0, %d)",
			cfg.Cluster.WriteAntiQuorum, cfg.Cluster.ReplicationFactor)
	}
	return cfg, nil
}

// Localities fabricates worker localities for n workers spread round-robin
// over the given number of zones.
func Localities(n, zones int) []locality.Data {
	out := make([]locality.Data, n)
	for i := range out {
		out[i] = locality.Data{
			ProcessID: processName(i),
			MachineID: processName(i),
			ZoneID:    zoneName(i % zones),
		}
	}
	return out
}

func processName(i int) string { return "worker-" + strconv.Itoa(i) }
func zoneName(i int) string    { return "zone-" + strconv.Itoa(i) }
