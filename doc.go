// # Go Client Package for Scenario-Based Realtime Voice Tutoring
//
// This package opens a two-way voice conversation between a language learner and a
// hosted speech model. A Controller fetches a short-lived credential for the chosen
// scenario and level, captures the microphone, negotiates a WebRTC peer connection
// with the realtime endpoint, and releases every acquired resource when the session
// stops, fails, or its host goes away.
package realtime
