/*
Package testutil provides fixtures shared by the Atomica package tests.

It covers the pieces most tests need before they can exercise anything
interesting: a controllable clock, participant key pairs, a local beacon
driven by that clock and a ready-made auction configuration.

# Configuration

	// Two listed pairs, lot 1, two participants per side
	config := testutil.NewTestConfig()

	// Customised
	config := testutil.NewTestConfig(
	    testutil.WithMinParticipants(1),
	    testutil.WithLotSize(decimal.RequireFromString("0.1")),
	)

# Time and beacon

	clock := testutil.NewClock(testutil.Epoch7Open)
	b := testutil.NewTestBeacon(t, clock)
	clock.Advance(time.Hour)

The beacon's genesis lies well before every epoch used by the tests, so the
reveal round of an epoch becomes available exactly at its close.

# Participants

	alice := testutil.NewParticipant(t)
	signed, _ := protocol.NewSigned(alice.Key, &protocol.BidCancellation{...})
*/
package testutil
