// Package transport drives the exchange session with a token reader.
//
// The Controller keeps the list of discovered readers and starts or stops
// the exchange on the first NFC or virtual reader. Failures of the reader
// primitive are reported with a closed set of errors: ErrNoReaderFound,
// ErrUserCancelled, ErrTimedOut and ErrUnknown.
//
// SlotExchanger implements the reader primitive over PKCS#11 slots,
// Discover and Watcher publish the slots as readers.
package transport
