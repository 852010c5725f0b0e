package segment

import "path"

// Object key layout. Every key is prefixed with the request id.

func ManifestKey(requestID string) string {
	return path.Join(requestID, "manifest.json")
}

func ChunkKey(requestID, segmentFile string) string {
	return path.Join(requestID, "split_chunks", segmentFile)
}

// ChunkMetaKey is the per-segment metadata object written next to the chunk.
func ChunkMetaKey(s Segment) string {
	return path.Join(s.RequestID, "split_chunks", s.Base()+".json")
}

// ProcessedKey holds a segment worker's local TrackRecord sequence.
func ProcessedKey(s Segment) string {
	return path.Join(s.RequestID, "processed_chunks", s.Base()+".json")
}

func FinalResultsKey(requestID string) string {
	return path.Join(requestID, "final_results.json")
}

func MergedVideoKey(requestID string) string {
	return path.Join(requestID, "merged_video.mp4")
}

func AnnotatedVideoKey(requestID string) string {
	return path.Join(requestID, "annotated_video.mp4")
}

func SummaryKey(requestID string) string {
	return path.Join(requestID, "summary.json")
}

func ReportKey(requestID string) string {
	return path.Join(requestID, "report.html")
}

func PlotKey(requestID string) string {
	return path.Join(requestID, "tracks.png")
}
