// Package sensor defines the contract between the biometric session and the
// fingerprint hardware it drives.
//
// Two collaborators are modelled:
//
//   - Hardware answers the static questions asked before every attempt: is a
//     sensor present, is the device protected by a lock screen, and is at least
//     one biometric template enrolled.
//   - Matcher runs one asynchronous match and reports exactly one terminal
//     Event: Succeeded, HelpReceived, Failed or ErrorReceived.
//
// # Readiness
//
// Gate turns Hardware answers into a State. The checks are evaluated in a fixed
// order and the first failing check wins:
//
//	NotSupported -> Unsecured -> NoEnrolledBiometric -> Ready
//
// Querying enrollment on hardware that is absent is undefined, so later checks
// are never consulted when an earlier one fails. The verdict is recomputed on
// every call; nothing is cached.
//
// # Matchers
//
// The package ships adapters for three kinds of matcher:
//
//   - PAMMatcher drives a PAM service, typically one configured with
//     pam_fprintd, through the pam package.
//   - OTPMatcher verifies a TOTP code read from a CodeReader. It is useful on
//     headless hosts where no fingerprint reader exists.
//   - TerminalMatcher simulates a sensor on an interactive terminal for local
//     development.
//
// Matchers receive a context.Context as their cancellation token. Cancellation
// is cooperative: a matcher observes ctx.Done and then delivers an
// ErrorReceived event carrying ErrorCanceled.
package sensor
