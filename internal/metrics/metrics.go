package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	CyclesCompleted   atomic.Int64
	VehicleFailures   atomic.Int64
	PositionsFetched  atomic.Int64
	PositionsInserted atomic.Int64
	SessionsOpened    atomic.Int64
	SessionsFinalized atomic.Int64
	SessionsCanceled  atomic.Int64
	ProviderRetries   atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "tanketl_cycles_completed_total %d\n", CyclesCompleted.Load())
	fmt.Fprintf(w, "tanketl_vehicle_failures_total %d\n", VehicleFailures.Load())
	fmt.Fprintf(w, "tanketl_positions_fetched_total %d\n", PositionsFetched.Load())
	fmt.Fprintf(w, "tanketl_positions_inserted_total %d\n", PositionsInserted.Load())
	fmt.Fprintf(w, "tanketl_sessions_opened_total %d\n", SessionsOpened.Load())
	fmt.Fprintf(w, "tanketl_sessions_finalized_total %d\n", SessionsFinalized.Load())
	fmt.Fprintf(w, "tanketl_sessions_canceled_total %d\n", SessionsCanceled.Load())
	fmt.Fprintf(w, "tanketl_provider_retries_total %d\n", ProviderRetries.Load())
}
