package assignment

import (
	"errors"
	"fmt"

	"github.com/jordanhubbard/loomdesk/internal/apiclient"
)

// action names an operation for user-facing text
type action struct {
	verb   string // "assign"
	object string // "this conversation"
}

var (
	actAssign     = action{"assign", "this conversation"}
	actUnassign   = action{"unassign", "this conversation"}
	actCategorize = action{"change the category of", "this conversation"}
	actArchive    = action{"archive", "the selected conversations"}
	actUnarchive  = action{"unarchive", "the selected conversations"}
	actResolve    = action{"resolve", "this conversation"}
	actReopen     = action{"reopen", "this conversation"}
	actReply      = action{"send a reply to", "this conversation"}
)

// failureMessage explains a failed mutation in domain terms
func failureMessage(a action, err error) string {
	switch apiclient.KindOf(err) {
	case apiclient.KindForbidden:
		return fmt.Sprintf("You are not authorized to %s %s.", a.verb, a.object)
	case apiclient.KindNotFound:
		return fmt.Sprintf("Could not %s %s: it no longer exists.", a.verb, a.object)
	case apiclient.KindServer:
		return fmt.Sprintf("The server failed to %s %s. Please try again.", a.verb, a.object)
	case apiclient.KindValidation:
		var apiErr *apiclient.Error
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			return fmt.Sprintf("Cannot %s %s: %s.", a.verb, a.object, apiErr.Message)
		}
		return fmt.Sprintf("Cannot %s %s.", a.verb, a.object)
	default:
		return fmt.Sprintf("Could not reach the server to %s %s. Check your connection.", a.verb, a.object)
	}
}
