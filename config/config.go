/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

// Package config holds the tunable parameters of the client library: how
// often to heartbeat, how long a heartbeat may go stale before a shard is
// considered abandoned, how many times to retry a transient gateway call,
// and so on. Construction uses a builder style: a constructor that fills in
// every default, plus With* methods that validate and override one field at
// a time.
package config

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/shardconsumer/kcl/logger"
	"github.com/shardconsumer/kcl/metrics"
)

// Default tunables applied by NewConfiguration.
const (
	DefaultStateStoreReadCapacity        = 10
	DefaultStateStoreWriteCapacity       = 10
	DefaultTableSuffix                   = "KinesisState"
	DefaultHeartbeat                     = 30 * time.Second
	DefaultHeartbeatTimeout              = 3 * time.Minute
	DefaultEmptyReceiveDelay             = 3 * time.Second
	DefaultMaxStateStoreRetries          = 3
	DefaultMaxStreamRetries              = 3
	DefaultCheckStreamChangesFrequency   = time.Minute
	DefaultTaskBackoffTime               = 500 * time.Millisecond
	DefaultShutdownGrace                 = 5 * time.Second
	DefaultMaxRecordsPerFetch            = 1000
)

// Configuration holds every tunable for an App. Construct with
// NewConfiguration and customize with the With* methods.
type Configuration struct {
	AppName    string
	StreamName string
	RegionName string
	WorkerId   string

	StateStoreReadCapacity  int64
	StateStoreWriteCapacity int64
	TableSuffix             string

	Heartbeat                   time.Duration
	HeartbeatTimeout            time.Duration
	EmptyReceiveDelay           time.Duration
	MaxStateStoreRetries        int
	MaxStreamRetries            int
	CheckStreamChangesFrequency time.Duration

	TaskBackoffTime    time.Duration
	ShutdownGrace      time.Duration
	MaxRecordsPerFetch int32

	Logger     logger.Logger
	Monitoring metrics.MonitoringService
}

// NewConfiguration creates a Configuration with every default populated, per
// the required fields. An empty workerId is replaced with a random UUID.
func NewConfiguration(appName, streamName, regionName, workerId string) *Configuration {
	checkIsValueNotEmpty("AppName", appName)
	checkIsValueNotEmpty("StreamName", streamName)
	checkIsValueNotEmpty("RegionName", regionName)

	if workerId == "" {
		workerId = uuid.NewString()
	}

	return &Configuration{
		AppName:    appName,
		StreamName: streamName,
		RegionName: regionName,
		WorkerId:   workerId,

		StateStoreReadCapacity:  DefaultStateStoreReadCapacity,
		StateStoreWriteCapacity: DefaultStateStoreWriteCapacity,
		TableSuffix:             DefaultTableSuffix,

		Heartbeat:                   DefaultHeartbeat,
		HeartbeatTimeout:            DefaultHeartbeatTimeout,
		EmptyReceiveDelay:           DefaultEmptyReceiveDelay,
		MaxStateStoreRetries:        DefaultMaxStateStoreRetries,
		MaxStreamRetries:            DefaultMaxStreamRetries,
		CheckStreamChangesFrequency: DefaultCheckStreamChangesFrequency,

		TaskBackoffTime:    DefaultTaskBackoffTime,
		ShutdownGrace:      DefaultShutdownGrace,
		MaxRecordsPerFetch: DefaultMaxRecordsPerFetch,

		Logger:     logger.GetDefaultLogger(),
		Monitoring: metrics.NoopMonitoringService{},
	}
}

// TableName is the state-store table name derived from AppName and
// TableSuffix.
func (c *Configuration) TableName() string {
	return c.AppName + c.TableSuffix
}

// WithTableSuffix overrides the table-name suffix. Defaults to "KinesisState".
func (c *Configuration) WithTableSuffix(suffix string) *Configuration {
	checkIsValueNotEmpty("TableSuffix", suffix)
	c.TableSuffix = suffix
	return c
}

// WithStateStoreCapacity sets the provisioned read/write capacity used when
// the state table is created.
func (c *Configuration) WithStateStoreCapacity(read, write int64) *Configuration {
	checkIsValuePositive64("StateStoreReadCapacity", read)
	checkIsValuePositive64("StateStoreWriteCapacity", write)
	c.StateStoreReadCapacity = read
	c.StateStoreWriteCapacity = write
	return c
}

// WithHeartbeat sets the heartbeat emission period.
func (c *Configuration) WithHeartbeat(d time.Duration) *Configuration {
	checkIsDurationPositive("Heartbeat", d)
	c.Heartbeat = d
	return c
}

// WithHeartbeatTimeout sets how stale a heartbeat may be before the owning
// worker is considered not-processing.
func (c *Configuration) WithHeartbeatTimeout(d time.Duration) *Configuration {
	checkIsDurationPositive("HeartbeatTimeout", d)
	c.HeartbeatTimeout = d
	return c
}

// WithEmptyReceiveDelay sets the back-off applied after a fetch returns no
// records.
func (c *Configuration) WithEmptyReceiveDelay(d time.Duration) *Configuration {
	checkIsDurationPositive("EmptyReceiveDelay", d)
	c.EmptyReceiveDelay = d
	return c
}

// WithMaxStateStoreRetries sets the internal retry budget for transient
// state-store errors.
func (c *Configuration) WithMaxStateStoreRetries(n int) *Configuration {
	checkIsValuePositiveOrZero("MaxStateStoreRetries", n)
	c.MaxStateStoreRetries = n
	return c
}

// WithMaxStreamRetries sets the internal retry budget for transient stream
// errors.
func (c *Configuration) WithMaxStreamRetries(n int) *Configuration {
	checkIsValuePositiveOrZero("MaxStreamRetries", n)
	c.MaxStreamRetries = n
	return c
}

// WithCheckStreamChangesFrequency sets the controller's shard-topology
// reconciliation interval.
func (c *Configuration) WithCheckStreamChangesFrequency(d time.Duration) *Configuration {
	checkIsDurationPositive("CheckStreamChangesFrequency", d)
	c.CheckStreamChangesFrequency = d
	return c
}

// WithTaskBackoffTime sets the backoff unit used between internal gateway
// retries.
func (c *Configuration) WithTaskBackoffTime(d time.Duration) *Configuration {
	checkIsDurationPositive("TaskBackoffTime", d)
	c.TaskBackoffTime = d
	return c
}

// WithShutdownGrace sets how long a graceful stop waits for an in-flight
// batch's checkpoint to persist before giving up and disposing anyway.
func (c *Configuration) WithShutdownGrace(d time.Duration) *Configuration {
	checkIsDurationPositive("ShutdownGrace", d)
	c.ShutdownGrace = d
	return c
}

// WithMaxRecordsPerFetch sets the upper bound passed to the stream gateway's
// batch fetch.
func (c *Configuration) WithMaxRecordsPerFetch(n int32) *Configuration {
	checkIsValuePositive("MaxRecordsPerFetch", int(n))
	c.MaxRecordsPerFetch = n
	return c
}

// WithLogger sets a custom logger. Panics if nil: a required field must
// never be silently left unset.
func (c *Configuration) WithLogger(l logger.Logger) *Configuration {
	if l == nil {
		log.Panic("Logger cannot be nil")
	}
	c.Logger = l
	return c
}

// WithMonitoring sets a custom MonitoringService. Panics if nil: a required
// field must never be silently left unset.
func (c *Configuration) WithMonitoring(m metrics.MonitoringService) *Configuration {
	if m == nil {
		log.Panic("Monitoring cannot be nil")
	}
	c.Monitoring = m
	return c
}

func checkIsValueNotEmpty(name, value string) {
	if value == "" {
		log.Panicf("%s cannot be empty", name)
	}
}

func checkIsValuePositive(name string, value int) {
	if value <= 0 {
		log.Panicf("%s must be positive, got: %d", name, value)
	}
}

func checkIsValuePositive64(name string, value int64) {
	if value <= 0 {
		log.Panicf("%s must be positive, got: %d", name, value)
	}
}

func checkIsValuePositiveOrZero(name string, value int) {
	if value < 0 {
		log.Panicf("%s must not be negative, got: %d", name, value)
	}
}

func checkIsDurationPositive(name string, value time.Duration) {
	if value <= 0 {
		log.Panicf("%s must be positive, got: %s", name, value)
	}
}
