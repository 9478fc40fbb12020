package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"conveyor/internal/dispatch"
	"conveyor/internal/queue"
	"conveyor/internal/stageexec"
)

const timeLayout = "2006-01-02 15:04"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func stageLabel(stage queue.Stage) string {
	if stage == "" {
		return "-"
	}
	return stageexec.Label(string(stage))
}

func truncateCell(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	if len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}

func buildTaskRows(tasks []*queue.Task) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, task := range tasks {
		status := string(task.Status)
		if task.CancelRequested && task.Status == queue.TaskActive {
			status += " (cancelling)"
		}
		rows = append(rows, []string{
			task.ID,
			truncateCell(task.Title, 40),
			status,
			stageLabel(task.Stage),
			strconv.Itoa(task.Priority),
			formatTime(task.ScheduledAt),
		})
	}
	return rows
}

func buildEntryRows(entries []*queue.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			strconv.FormatInt(entry.ID, 10),
			stageLabel(entry.Stage),
			string(entry.Status),
			fmt.Sprintf("%d/%d", entry.RetryCount, entry.MaxRetries),
			formatTimePtr(entry.StartedAt),
			formatTimePtr(entry.CompletedAt),
			truncateCell(entry.LastError, 50),
		})
	}
	return rows
}

func buildEventRows(events []queue.TaskEvent) [][]string {
	rows := make([][]string, 0, len(events))
	for _, event := range events {
		rows = append(rows, []string{
			formatTime(event.CreatedAt),
			stageLabel(event.Stage),
			string(event.Level),
			truncateCell(event.Message, 80),
		})
	}
	return rows
}

var entryColumns = []queue.EntryStatus{queue.EntryWaiting, queue.EntryProcessing, queue.EntryCompleted, queue.EntryFailed}

func buildStageStatsRows(stats []queue.StageStats) [][]string {
	rows := make([][]string, 0, len(stats))
	for _, stat := range stats {
		row := []string{stageLabel(stat.Stage)}
		for _, status := range entryColumns {
			row = append(row, strconv.Itoa(stat.Counts[status]))
		}
		rows = append(rows, row)
	}
	return rows
}

func buildTaskCountRows(counts map[queue.TaskStatus]int) [][]string {
	rows := make([][]string, 0, len(counts))
	for _, status := range queue.AllTaskStatuses() {
		if n := counts[status]; n > 0 {
			rows = append(rows, []string{string(status), strconv.Itoa(n)})
		}
	}
	return rows
}

func buildClassRows(stats []dispatch.ClassStats) [][]string {
	rows := make([][]string, 0, len(stats))
	for _, class := range stats {
		rows = append(rows, []string{
			stageexec.Label(class.Class),
			fmt.Sprintf("%d/%d", class.Busy, class.Slots),
			strconv.Itoa(class.Processed),
			strconv.Itoa(class.Succeeded),
			strconv.Itoa(class.Failed),
		})
	}
	return rows
}

func buildJobRows(jobs []*queue.MaintenanceJob) [][]string {
	sorted := append([]*queue.MaintenanceJob(nil), jobs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	rows := make([][]string, 0, len(sorted))
	for _, job := range sorted {
		assigned := job.AssignedTo
		if assigned == "" {
			assigned = "-"
		}
		rows = append(rows, []string{
			strconv.FormatInt(job.ID, 10),
			string(job.Priority),
			string(job.Status),
			truncateCell(job.Title, 40),
			strconv.Itoa(job.Attempts),
			assigned,
		})
	}
	return rows
}
