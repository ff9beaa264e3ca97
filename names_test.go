package dbus_test

import (
	"slices"
	"testing"

	"github.com/wirebus/dbus"
	"github.com/wirebus/dbus/dbustest"
)

func TestRequestAndReleaseName(t *testing.T) {
	bus, conn := newTestConn(t)
	ctx := testContext(t)

	const name = "com.example.Solo"

	reply, err := conn.RequestName(ctx, name, dbus.NameDoNotQueue)
	if err != nil {
		t.Fatalf("RequestName: %v", err)
	}
	if reply != dbus.NamePrimaryOwner {
		t.Fatalf("RequestName reply = %v, want %v", reply, dbus.NamePrimaryOwner)
	}
	if got := recv(t, conn.NameAcquired(), "NameAcquired event"); got != name {
		t.Errorf("NameAcquired delivered %q, want %q", got, name)
	}

	reqs := bus.NameRequests()
	if len(reqs) == 0 {
		t.Fatal("bus saw no RequestName calls")
	}
	want := dbustest.NameRequest{Name: name, Flags: uint32(dbus.NameDoNotQueue)}
	if got := reqs[len(reqs)-1]; got != want {
		t.Errorf("bus saw request %+v, want %+v", got, want)
	}

	if got := conn.OwnedNames(); !slices.Equal(got, []string{name}) {
		t.Errorf("OwnedNames = %v, want [%s]", got, name)
	}
	owner, err := conn.GetNameOwner(ctx, name)
	if err != nil {
		t.Fatalf("GetNameOwner: %v", err)
	}
	if owner != conn.UniqueName() {
		t.Errorf("GetNameOwner(%s) = %q, want %q", name, owner, conn.UniqueName())
	}
	has, err := conn.NameHasOwner(ctx, name)
	if err != nil {
		t.Fatalf("NameHasOwner: %v", err)
	}
	if !has {
		t.Errorf("NameHasOwner(%s) = false, want true", name)
	}

	// Requesting a name the connection already owns reports as much,
	// without a second NameAcquired event.
	reply, err = conn.RequestName(ctx, name, 0)
	if err != nil {
		t.Fatalf("second RequestName: %v", err)
	}
	if reply != dbus.NameAlreadyOwner {
		t.Errorf("second RequestName reply = %v, want %v", reply, dbus.NameAlreadyOwner)
	}
	if got := conn.OwnedNames(); !slices.Equal(got, []string{name}) {
		t.Errorf("OwnedNames after re-request = %v, want [%s]", got, name)
	}

	rel, err := conn.ReleaseName(ctx, name)
	if err != nil {
		t.Fatalf("ReleaseName: %v", err)
	}
	if rel != dbus.NameReleased {
		t.Errorf("ReleaseName reply = %v, want %v", rel, dbus.NameReleased)
	}
	if got := recv(t, conn.NameLost(), "NameLost event"); got != name {
		t.Errorf("NameLost delivered %q, want %q", got, name)
	}
	if got := conn.OwnedNames(); len(got) != 0 {
		t.Errorf("OwnedNames after release = %v, want none", got)
	}
	has, err = conn.NameHasOwner(ctx, name)
	if err != nil {
		t.Fatalf("NameHasOwner after release: %v", err)
	}
	if has {
		t.Errorf("NameHasOwner(%s) = true after release, want false", name)
	}
	if _, err := conn.GetNameOwner(ctx, name); err == nil {
		t.Errorf("GetNameOwner(%s) succeeded after release, want error", name)
	}

	// Releasing a name nobody owns is its own reply code.
	rel, err = conn.ReleaseName(ctx, "com.example.NeverClaimed")
	if err != nil {
		t.Fatalf("ReleaseName of unclaimed name: %v", err)
	}
	if rel != dbus.NameNonExistent {
		t.Errorf("ReleaseName of unclaimed name = %v, want %v", rel, dbus.NameNonExistent)
	}
}

func TestNameQueueing(t *testing.T) {
	bus, conn1 := newTestConn(t)
	ctx := testContext(t)

	conn2 := dbus.New(bus.Address())
	t.Cleanup(func() { conn2.Close() })

	const name = "com.example.Contended"

	reply, err := conn1.RequestName(ctx, name, 0)
	if err != nil {
		t.Fatalf("conn1 RequestName: %v", err)
	}
	if reply != dbus.NamePrimaryOwner {
		t.Fatalf("conn1 RequestName reply = %v, want %v", reply, dbus.NamePrimaryOwner)
	}

	reply, err = conn2.RequestName(ctx, name, 0)
	if err != nil {
		t.Fatalf("conn2 RequestName: %v", err)
	}
	if reply != dbus.NameInQueue {
		t.Fatalf("conn2 RequestName reply = %v, want %v", reply, dbus.NameInQueue)
	}
	if got := conn2.OwnedNames(); len(got) != 0 {
		t.Errorf("conn2.OwnedNames = %v while queued, want none", got)
	}

	u1, u2 := conn1.UniqueName(), conn2.UniqueName()
	queued, err := conn1.ListQueuedOwners(ctx, name)
	if err != nil {
		t.Fatalf("ListQueuedOwners: %v", err)
	}
	if want := []string{u1, u2}; !slices.Equal(queued, want) {
		t.Errorf("ListQueuedOwners = %v, want %v", queued, want)
	}

	// Declining to queue reports the conflict and also surrenders the
	// spot conn2 held from its earlier request.
	reply, err = conn2.RequestName(ctx, name, dbus.NameDoNotQueue)
	if err != nil {
		t.Fatalf("conn2 RequestName(DoNotQueue): %v", err)
	}
	if reply != dbus.NameExists {
		t.Errorf("conn2 RequestName(DoNotQueue) reply = %v, want %v", reply, dbus.NameExists)
	}
	queued, err = conn1.ListQueuedOwners(ctx, name)
	if err != nil {
		t.Fatalf("ListQueuedOwners: %v", err)
	}
	if want := []string{u1}; !slices.Equal(queued, want) {
		t.Errorf("ListQueuedOwners after DoNotQueue = %v, want %v", queued, want)
	}
	rel, err := conn2.ReleaseName(ctx, name)
	if err != nil {
		t.Fatalf("conn2 ReleaseName: %v", err)
	}
	if rel != dbus.NameNotOwner {
		t.Errorf("conn2 ReleaseName reply = %v, want %v", rel, dbus.NameNotOwner)
	}

	// A queued claimant can give up its place in line.
	if reply, err = conn2.RequestName(ctx, name, 0); err != nil || reply != dbus.NameInQueue {
		t.Fatalf("conn2 re-request = %v, %v, want %v", reply, err, dbus.NameInQueue)
	}
	rel, err = conn2.ReleaseName(ctx, name)
	if err != nil {
		t.Fatalf("conn2 ReleaseName from queue: %v", err)
	}
	if rel != dbus.NameReleased {
		t.Errorf("conn2 ReleaseName from queue = %v, want %v", rel, dbus.NameReleased)
	}

	// With the queue empty again, the owner's release retires the name.
	rel, err = conn1.ReleaseName(ctx, name)
	if err != nil {
		t.Fatalf("conn1 ReleaseName: %v", err)
	}
	if rel != dbus.NameReleased {
		t.Errorf("conn1 ReleaseName reply = %v, want %v", rel, dbus.NameReleased)
	}
	has, err := conn1.NameHasOwner(ctx, name)
	if err != nil {
		t.Fatalf("NameHasOwner: %v", err)
	}
	if has {
		t.Errorf("NameHasOwner(%s) = true after everyone released, want false", name)
	}
}

func TestNameReplacement(t *testing.T) {
	bus, conn1 := newTestConn(t)
	ctx := testContext(t)

	conn2 := dbus.New(bus.Address())
	t.Cleanup(func() { conn2.Close() })

	const name = "com.example.Seat"

	reply, err := conn1.RequestName(ctx, name, dbus.NameAllowReplacement)
	if err != nil {
		t.Fatalf("conn1 RequestName: %v", err)
	}
	if reply != dbus.NamePrimaryOwner {
		t.Fatalf("conn1 RequestName reply = %v, want %v", reply, dbus.NamePrimaryOwner)
	}
	if got := recv(t, conn1.NameAcquired(), "conn1 NameAcquired"); got != name {
		t.Errorf("conn1 NameAcquired delivered %q, want %q", got, name)
	}

	reply, err = conn2.RequestName(ctx, name, dbus.NameReplaceExisting)
	if err != nil {
		t.Fatalf("conn2 RequestName: %v", err)
	}
	if reply != dbus.NamePrimaryOwner {
		t.Fatalf("conn2 RequestName reply = %v, want %v", reply, dbus.NamePrimaryOwner)
	}
	if got := recv(t, conn2.NameAcquired(), "conn2 NameAcquired"); got != name {
		t.Errorf("conn2 NameAcquired delivered %q, want %q", got, name)
	}
	if got := recv(t, conn1.NameLost(), "conn1 NameLost"); got != name {
		t.Errorf("conn1 NameLost delivered %q, want %q", got, name)
	}
	if got := conn1.OwnedNames(); len(got) != 0 {
		t.Errorf("conn1.OwnedNames after replacement = %v, want none", got)
	}
	if got := conn2.OwnedNames(); !slices.Equal(got, []string{name}) {
		t.Errorf("conn2.OwnedNames after replacement = %v, want [%s]", got, name)
	}

	u1, u2 := conn1.UniqueName(), conn2.UniqueName()
	owner, err := conn1.GetNameOwner(ctx, name)
	if err != nil {
		t.Fatalf("GetNameOwner: %v", err)
	}
	if owner != u2 {
		t.Errorf("GetNameOwner(%s) = %q after replacement, want %q", name, owner, u2)
	}

	// The displaced owner waits at the head of the queue and is
	// promoted when the usurper lets go.
	queued, err := conn1.ListQueuedOwners(ctx, name)
	if err != nil {
		t.Fatalf("ListQueuedOwners: %v", err)
	}
	if want := []string{u2, u1}; !slices.Equal(queued, want) {
		t.Errorf("ListQueuedOwners = %v, want %v", queued, want)
	}

	rel, err := conn2.ReleaseName(ctx, name)
	if err != nil {
		t.Fatalf("conn2 ReleaseName: %v", err)
	}
	if rel != dbus.NameReleased {
		t.Errorf("conn2 ReleaseName reply = %v, want %v", rel, dbus.NameReleased)
	}
	if got := recv(t, conn2.NameLost(), "conn2 NameLost"); got != name {
		t.Errorf("conn2 NameLost delivered %q, want %q", got, name)
	}
	if got := recv(t, conn1.NameAcquired(), "conn1 promotion"); got != name {
		t.Errorf("conn1 NameAcquired delivered %q, want %q", got, name)
	}
	owner, err = conn2.GetNameOwner(ctx, name)
	if err != nil {
		t.Fatalf("GetNameOwner after promotion: %v", err)
	}
	if owner != u1 {
		t.Errorf("GetNameOwner(%s) = %q after promotion, want %q", name, owner, u1)
	}
}

func TestBusDirectory(t *testing.T) {
	_, conn := newTestConn(t)
	ctx := testContext(t)

	const name = "com.example.Listed"
	if reply, err := conn.RequestName(ctx, name, 0); err != nil || reply != dbus.NamePrimaryOwner {
		t.Fatalf("RequestName = %v, %v, want %v", reply, err, dbus.NamePrimaryOwner)
	}

	names, err := conn.ListNames(ctx)
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	for _, want := range []string{"org.freedesktop.DBus", conn.UniqueName(), name} {
		if !slices.Contains(names, want) {
			t.Errorf("ListNames = %v, missing %q", names, want)
		}
	}

	activatable, err := conn.ListActivatableNames(ctx)
	if err != nil {
		t.Fatalf("ListActivatableNames: %v", err)
	}
	if want := []string{"org.freedesktop.DBus"}; !slices.Equal(activatable, want) {
		t.Errorf("ListActivatableNames = %v, want %v", activatable, want)
	}

	id, err := conn.BusID(ctx)
	if err != nil {
		t.Fatalf("BusID: %v", err)
	}
	if id == "" {
		t.Error("BusID is empty")
	}

	mid, err := conn.GetMachineID(ctx, "org.freedesktop.DBus")
	if err != nil {
		t.Fatalf("GetMachineID: %v", err)
	}
	if mid == "" {
		t.Error("GetMachineID is empty")
	}
}
