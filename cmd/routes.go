package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"tripBack/internal/taxi"
)

func (app *application) routes() (http.Handler, error) {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)

	mux := pat.New()

	// Trips, profiles and the websocket channels
	if err := taxi.RegisterTaxiRoutes(mux, app.taxiDeps); err != nil {
		return nil, err
	}

	return standardMiddleware.Then(mux), nil
}
