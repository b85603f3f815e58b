package types

// Notification channel strings. These are part of the GUI contract and must
// not change between releases.
const (
	NotifyCoreChangeSuccess    = "config_core::change_success"
	NotifyCoreChangeError      = "config_core::change_error"
	NotifySyncFailed           = "subscription_sync::failed"
	NotifySelectionInvalidated = "profiles::selection_invalidated"

	// Emitted by the updater collaborator, listed here so the hub knows
	// the full channel vocabulary.
	NotifyUpdateAvailable      = "update-available"
	NotifyUpdateProgress       = "update-download-progress"
	NotifyUpdateInstallSuccess = "update-install-success"
	NotifyUpdateInstallFailed  = "update-install-failed"
)

// Notifier delivers user-visible events. The websocket hub implements it;
// tests substitute a recorder.
type Notifier interface {
	Notify(channel string, data interface{})
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Notify(string, interface{}) {}
