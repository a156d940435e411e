package transfer

// PostCreation carries the multipart form fields of a create-post request.
type PostCreation struct {
	Caption          string
	ScheduledTime    string
	SelectedAccounts string
}
