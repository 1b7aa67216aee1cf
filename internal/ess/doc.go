// Package ess talks to the local HTTP API of a home energy-storage
// system. Every call logs in first: the device hands out a short-lived
// auth_key from PUT /v1/login and the bridge never reuses one, so each
// [Client.Read] or [Client.Write] is a self-contained session.
//
// [CorrectPowerDirection] rewrites the home telemetry document so that
// battery, load and grid power carry a sign that matches the flow
// direction the device reports in separate flag fields.
package ess
