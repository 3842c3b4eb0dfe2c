package contract

import (
	"context"
	"reflect"

	"github.com/google/uuid"

	"keyrelay/domain"
)

type WorkerName string

// Worker doesn't protect itself.
// Can be silly, focused.
type Worker interface {
	Run(ctx context.Context) error
}

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// DeliverySink is the outbound side of one connection. Deliver never blocks:
// it either hands the payload to the connection's bounded buffer or reports
// why it could not.
type DeliverySink interface {
	Deliver(ctx context.Context, p domain.RelayPayload) error
	Close()
}

type IRegistry interface {
	Connect(userID string, sink DeliverySink) uuid.UUID
	JoinGroup(connID uuid.UUID, group domain.GroupID) error
	LeaveGroup(connID uuid.UUID, group domain.GroupID) error
	Disconnect(connID uuid.UUID)
	OpenConnections() int
}
