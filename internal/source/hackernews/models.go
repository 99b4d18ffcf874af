package hackernews

// itemPayload is the JSON object served by /item/{id}.json.
type itemPayload struct {
	ID          int64   `json:"id"`
	Deleted     bool    `json:"deleted"`
	Dead        bool    `json:"dead"`
	Type        string  `json:"type"`
	By          string  `json:"by"`
	Time        int64   `json:"time"`
	Text        string  `json:"text"`
	Parent      int64   `json:"parent"`
	Kids        []int64 `json:"kids"`
	URL         string  `json:"url"`
	Score       *int    `json:"score"`
	Title       string  `json:"title"`
	Descendants *int    `json:"descendants"`
}
