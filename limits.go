package main

import "time"

// Operational limits and protocol policy constants, kept in one file
// instead of scattered across the tree.
const (
	// pollInterval is POLLTIME_MS: the upper bound on ServerLoop's tick
	// period.
	pollInterval = 10 * time.Millisecond

	// sendDelayMS and sendInterval bound the jittered pacing window
	// [SEND_DELAY_MS, SEND_INTERVAL*SEND_DELAY_MS] shared by JoinMachine
	// probes and TxScheduler sends.
	sendDelayMS  = 1
	sendInterval = 500 // SEND_INTERVAL, in units of sendDelayMS

	// sendRetry is SEND_RETRY: attempts before an OutFrame is dropped.
	sendRetry = 20

	// joinRetryMin is JOIN_RETRY: the lower bound of the randomized probe
	// retry counter (actual budget drawn uniformly from [joinRetryMin,
	// 2*joinRetryMin)).
	joinRetryMin = 5

	// chMin and chMax bound the channel scan; scan step is fixed at 2.
	chMin = 1
	chMax = 125

	// maxPW is the hardware payload width minus the 3-byte link header.
	maxPW = 28

	// majVersion and minVersion are this gateway's supported protocol
	// version; JOIN/HEARTBEAT frames with a newer major version are
	// refused.
	majVersion byte = 1
	minVersion byte = 0

	// heartbeatTimeoutSec is NRF24_HEARTBEAT_TIMEOUT_S. Sessions idle for
	// this many seconds or more are evicted.
	heartbeatTimeoutSec = 30

	// controlRateLimit and controlRateBurst bound JOIN_LOCAL/HEARTBEAT
	// acceptance per pipe via golang.org/x/time/rate.
	controlRateLimit = 20
	controlRateBurst = 10

	// identityRegionSize is the size, in bytes, of the emulated EEPROM
	// region backing internal/identitystore.
	identityRegionSize = 1024
)
