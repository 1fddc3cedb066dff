package twilio

import (
	"github.com/twilio/twilio-go/twiml"
)

const connectedMessage = "Connected!"

// streamParams are passed to the media stream as customParameters.
type streamParams struct {
	CallerNumber string
	FirstMessage string
}

// streamTwiML answers a call: announce, pause, confirm, then connect the
// call audio to the media stream endpoint.
func streamTwiML(intro, wsURL string, p streamParams) (string, error) {
	var verbs []twiml.Element
	if intro != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: intro})
	}
	verbs = append(verbs,
		&twiml.VoicePause{Length: "1"},
		&twiml.VoiceSay{Message: connectedMessage},
		&twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{
					Url: wsURL,
					InnerElements: []twiml.Element{
						&twiml.VoiceParameter{Name: "caller_number", Value: p.CallerNumber},
						&twiml.VoiceParameter{Name: "first_message", Value: p.FirstMessage},
					},
				},
			},
		},
	)
	return twiml.Voice(verbs)
}
