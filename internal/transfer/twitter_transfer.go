package transfer

// Chunked upload responses from upload.twitter.com (v1.1 media/upload).

type TwitterMediaInit struct {
	MediaID       int64  `json:"media_id"`
	MediaIDString string `json:"media_id_string"`
	ExpiresAfter  int    `json:"expires_after_secs"`
}

type TwitterProcessingInfo struct {
	State          string `json:"state"`
	CheckAfterSecs int    `json:"check_after_secs"`
	Error          struct {
		Code    int    `json:"code"`
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

type TwitterMediaStatus struct {
	MediaIDString  string                 `json:"media_id_string"`
	ProcessingInfo *TwitterProcessingInfo `json:"processing_info"`
}

// v2 tweet creation.

type TweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type TweetRequest struct {
	Text  string      `json:"text"`
	Media *TweetMedia `json:"media,omitempty"`
}

type TweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// v1.1 account/verify_credentials.

type TwitterUserInfo struct {
	IDStr           string `json:"id_str"`
	Name            string `json:"name"`
	ScreenName      string `json:"screen_name"`
	ProfileImageURL string `json:"profile_image_url_https"`
	FollowersCount  int    `json:"followers_count"`
	StatusesCount   int    `json:"statuses_count"`
}
