package packer

import "fmt"

// ArchiveKey builds the archive object key of a container:
// <day>/<shard_hex>/<container_id>.des, with the shard zero-padded to
// ceil(bits/4) hex digits so keys sort uniformly within a day.
func ArchiveKey(day string, shard uint64, bits uint8, containerID string) string {
	width := int(bits+3) / 4
	if width == 0 {
		width = 1
	}
	return fmt.Sprintf("%s/%0*x/%s.des", day, width, shard, containerID)
}

// workFileName names the in-progress file under the work directory:
// <shard>-<day>-<container_id>.des.tmp. Shard and day up front so an
// orphaned work file tells at a glance where it came from.
func workFileName(shard uint32, day, containerID string) string {
	return fmt.Sprintf("%d-%s-%s.des.tmp", shard, day, containerID)
}
