// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesync

import (
	"math"
	"strings"
)

const (
	// xpRequiredCoef drives the power curve: XP_req = 450 * (level^1.5).
	xpRequiredCoef = 450.0

	// statPointsPerLevel is the flat grant for every level gained.
	statPointsPerLevel = 3

	// milestoneBonusPoints is granted on top every milestoneInterval levels.
	milestoneBonusPoints  = 2
	milestoneInterval     = 5
	maxSearchedLevelBound = 1_000_000
)

// XPRequiredForLevel returns the total XP threshold required to be at the
// given level. Level 0 requires 0 XP. Ceil keeps thresholds stable against
// floating point rounding.
func XPRequiredForLevel(level int) int64 {
	if level <= 0 {
		return 0
	}
	req := xpRequiredCoef * math.Pow(float64(level), 1.5)
	return int64(math.Ceil(req))
}

// LevelForTotalXP returns the highest level L such that
// totalXP >= XPRequiredForLevel(L). Exponential search for an upper bound,
// then binary search. Both client and server derive level through this
// function, so two devices applying the same deltas in any order converge to
// the identical level.
func LevelForTotalXP(totalXP int64) int {
	if totalXP <= 0 {
		return 0
	}

	low := 0
	high := 1
	for XPRequiredForLevel(high) <= totalXP {
		low = high
		high *= 2
		if high > maxSearchedLevelBound {
			break
		}
	}

	for low+1 < high {
		mid := low + (high-low)/2
		if XPRequiredForLevel(mid) <= totalXP {
			low = mid
		} else {
			high = mid
		}
	}
	return low
}

// StatPointsForLevel returns the points granted on reaching the given level.
func StatPointsForLevel(level int) int {
	if level <= 0 {
		return 0
	}
	points := statPointsPerLevel
	if level%milestoneInterval == 0 {
		points += milestoneBonusPoints
	}
	return points
}

// StatPointsBetween sums the per-level grants for every level gained going
// from oldLevel to newLevel. Returns 0 when no level was gained.
func StatPointsBetween(oldLevel, newLevel int) int {
	if newLevel <= oldLevel {
		return 0
	}
	total := 0
	for l := oldLevel + 1; l <= newLevel; l++ {
		total += StatPointsForLevel(l)
	}
	return total
}

// Per-minute XP rates by activity type. Unknown types fall back to a low
// flat rate rather than being rejected; new activity types ship in the app
// faster than the backend.
var activityMinuteRates = map[string]int64{
	"run":  12,
	"ride": 8,
	"walk": 6,
	"hike": 9,
	"swim": 14,
}

const (
	defaultMinuteRate = 5
	perKmBonus        = 25
)

// ActivityXP computes the XP value of a finished activity. Deterministic on
// purpose: the client uses it for optimistic feedback and the server for the
// authoritative grant, and the two must agree.
func ActivityXP(activityType string, distanceKm float64, durationMinutes int) int64 {
	if durationMinutes < 0 {
		durationMinutes = 0
	}
	if distanceKm < 0 {
		distanceKm = 0
	}
	rate, ok := activityMinuteRates[strings.ToLower(activityType)]
	if !ok {
		rate = defaultMinuteRate
	}
	xp := rate*int64(durationMinutes) + int64(math.Round(distanceKm*perKmBonus))
	if xp < 1 {
		xp = 1
	}
	return xp
}
