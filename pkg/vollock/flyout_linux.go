package vollock

import "errors"

// ShowAudioFlyout is a Windows shell concept; there is no equivalent OSD to
// trigger here.
func ShowAudioFlyout() error {
	return errors.New("not implemented")
}
