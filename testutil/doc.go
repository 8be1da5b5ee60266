// Package testutil provides fake modules and control interfaces for tests.
//
// FakeModule implements both the Consumer and the Supplier contract. It
// records every callback it receives, keeps written data in memory, and can
// be told to fail, panic or block on any named operation:
//
//	m := testutil.NewFakeModule("storage",
//	    testutil.WithPort(component.SupplierPort, "files", 1))
//	m.FailOn("EnterStartup", errors.New("disk missing"))
//	gate := m.BlockOn("Read")
//	defer close(gate)
//
// FakeControlInterface registers a listener for the categories it is given
// and collects every event delivered to it.
//
// All fakes are safe for concurrent use.
package testutil
